package fhir

import (
	"strings"
	"time"

	"github.com/medlims/compliance-engine/internal/compliance"
)

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

type AuditEventAgent struct {
	Who       *Reference `json:"who,omitempty"`
	Name      string     `json:"name,omitempty"`
	Requestor bool       `json:"requestor"`
}

type AuditEventEntity struct {
	What *Reference `json:"what,omitempty"`
	Name string     `json:"name,omitempty"`
}

type AuditEventSource struct {
	Site     string     `json:"site,omitempty"`
	Observer *Reference `json:"observer,omitempty"`
}

// AuditEvent is the subset of the R4 AuditEvent resource the engine reads
type AuditEvent struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id,omitempty"`
	Type         Coding             `json:"type"`
	Subtype      []Coding           `json:"subtype,omitempty"`
	Action       string             `json:"action,omitempty"`
	Recorded     time.Time          `json:"recorded"`
	Outcome      string             `json:"outcome,omitempty"`
	OutcomeDesc  string             `json:"outcomeDesc,omitempty"`
	Agent        []AuditEventAgent  `json:"agent"`
	Source       AuditEventSource   `json:"source"`
	Entity       []AuditEventEntity `json:"entity,omitempty"`
}

var actionNames = map[string]string{
	"C": "create",
	"R": "read",
	"U": "update",
	"D": "delete",
	"E": "execute",
}

// outcome maps the AuditEvent outcome codes 0, 4, 8 and 12
func outcome(code string) compliance.Outcome {
	switch code {
	case "", "0":
		return compliance.OutcomeSuccess
	case "4":
		return compliance.OutcomeWarning
	default:
		return compliance.OutcomeFailure
	}
}

// ToEntry maps an AuditEvent onto an audit trail entry
func (a AuditEvent) ToEntry() compliance.AuditTrailEntry {
	entry := compliance.AuditTrailEntry{
		ID:        a.ID,
		Timestamp: a.Recorded,
		Action:    actionNames[a.Action],
		Outcome:   outcome(a.Outcome),
		Details:   map[string]interface{}{"source": "fhir"},
	}
	if entry.Action == "" {
		entry.Action = a.Type.Code
		if a.Type.Display != "" {
			entry.Action = a.Type.Display
		}
	}
	if len(a.Subtype) > 0 && a.Subtype[0].Code != "" {
		entry.Details["subtype"] = a.Subtype[0].Code
	}
	if a.OutcomeDesc != "" {
		entry.Details["outcome_desc"] = a.OutcomeDesc
	}
	if a.Source.Site != "" {
		entry.Details["site"] = a.Source.Site
	}

	agent := primaryAgent(a.Agent)
	if agent != nil {
		entry.Actor.Name = agent.Name
		if agent.Who != nil {
			entry.Actor.ID = agent.Who.Reference
			if entry.Actor.Name == "" {
				entry.Actor.Name = agent.Who.Display
			}
		}
	}

	if len(a.Entity) > 0 && a.Entity[0].What != nil {
		entry.ResourceType, entry.ResourceID = splitReference(a.Entity[0].What.Reference)
	}

	return entry
}

func primaryAgent(agents []AuditEventAgent) *AuditEventAgent {
	for i := range agents {
		if agents[i].Requestor {
			return &agents[i]
		}
	}
	if len(agents) > 0 {
		return &agents[0]
	}
	return nil
}

// splitReference turns "Patient/123" into ("Patient", "123")
func splitReference(ref string) (string, string) {
	ref = strings.TrimPrefix(ref, "/")
	if idx := strings.LastIndex(ref, "/_history/"); idx >= 0 {
		ref = ref[:idx]
	}
	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return "", ref
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}
