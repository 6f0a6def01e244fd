package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/metrics"
)

// ErrNotConfigured is returned when no FHIR base URL is set
var ErrNotConfigured = errors.New("fhir server not configured")

const contentType = "application/fhir+json"

// SearchParams narrows a resource search by date and page size
type SearchParams struct {
	DateFrom *time.Time
	DateTo   *time.Time
	Count    int
	Extra    url.Values
}

// dateParam is the search parameter holding the resource's primary date
var dateParam = map[string]string{
	"AuditEvent": "date",
}

// Client talks to a FHIR server over REST
type Client struct {
	baseURL     string
	accessToken string
	client      *http.Client
	logger      *zap.Logger
	metrics     *metrics.Collector
}

// Options configures a Client
type Options struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// NewClient creates a FHIR client. m may be nil.
func NewClient(opts Options, logger *zap.Logger, m *metrics.Collector) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		accessToken: opts.AccessToken,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
		metrics:     m,
	}
}

// Configured reports whether a base URL is set
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Search runs a type-level search and returns the searchset bundle
func (c *Client) Search(ctx context.Context, resourceType string, params SearchParams) (*Bundle, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	for k, vs := range params.Extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	name := dateParam[resourceType]
	if name == "" {
		name = "_lastUpdated"
	}
	if params.DateFrom != nil {
		q.Add(name, "ge"+params.DateFrom.UTC().Format(time.RFC3339))
	}
	if params.DateTo != nil {
		q.Add(name, "le"+params.DateTo.UTC().Format(time.RFC3339))
	}
	if params.Count > 0 {
		q.Set("_count", strconv.Itoa(params.Count))
	}

	endpoint := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(resourceType))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var bundle Bundle
	if err := c.do(ctx, http.MethodGet, endpoint, resourceType, nil, &bundle); err != nil {
		return nil, err
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("unexpected resource type in search response: %q", bundle.ResourceType)
	}
	return &bundle, nil
}

// Next fetches the page after b. It returns nil with no error on the last page.
func (c *Client) Next(ctx context.Context, resourceType string, b *Bundle) (*Bundle, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	link := b.NextLink()
	if link == "" {
		return nil, nil
	}
	next, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("invalid next link %q: %w", link, err)
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if !next.IsAbs() {
		next = base.ResolveReference(next)
	}
	if next.Host != base.Host {
		return nil, fmt.Errorf("next link host %q does not match %q", next.Host, base.Host)
	}

	var bundle Bundle
	if err := c.do(ctx, http.MethodGet, next.String(), resourceType, nil, &bundle); err != nil {
		return nil, err
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("unexpected resource type in search response: %q", bundle.ResourceType)
	}
	return &bundle, nil
}

// Create posts a resource and decodes the server's copy into out (which may be nil)
func (c *Client) Create(ctx context.Context, resourceType string, resource interface{}, out interface{}) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	body, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", resourceType, err)
	}
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(resourceType))
	return c.do(ctx, http.MethodPost, endpoint, resourceType, body, out)
}

func (c *Client) do(ctx context.Context, method, endpoint, resourceType string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.RecordFHIRRequest(resourceType, "error")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	c.metrics.RecordFHIRRequest(resourceType, strconv.Itoa(resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Diagnostics: diagnostics(data)}
	}

	c.logger.Debug("FHIR request completed",
		zap.String("method", method),
		zap.String("resource_type", resourceType),
		zap.Int("status", resp.StatusCode),
	)

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", resourceType, err)
	}
	return nil
}

// StatusError is a non-2xx FHIR response
type StatusError struct {
	StatusCode  int
	Diagnostics string
}

func (e *StatusError) Error() string {
	if e.Diagnostics == "" {
		return fmt.Sprintf("fhir server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("fhir server returned status %d: %s", e.StatusCode, e.Diagnostics)
}

func diagnostics(data []byte) string {
	var outcome OperationOutcome
	if err := json.Unmarshal(data, &outcome); err != nil || outcome.ResourceType != "OperationOutcome" {
		return ""
	}
	parts := make([]string, 0, len(outcome.Issue))
	for _, issue := range outcome.Issue {
		if issue.Diagnostics != "" {
			parts = append(parts, issue.Diagnostics)
		} else if issue.Code != "" {
			parts = append(parts, issue.Code)
		}
	}
	return strings.Join(parts, "; ")
}
