package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/medlims/compliance-engine/internal/currency"
)

type sumRequest struct {
	Amounts []currency.Money `json:"amounts"`
	Display currency.Display `json:"display"`
}

// SumAmounts adds amounts sharing one currency
func (h *ComplianceHandler) SumAmounts(c *gin.Context) {
	var req sumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	total, err := h.currency.Sum(req.Amounts...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, currency.ErrMixedCurrencies) || errors.Is(err, currency.ErrUnknownCurrency) {
			status = http.StatusBadRequest
		}
		errorJSON(c, status, err.Error())
		return
	}

	formatted, err := h.currency.Format(total, currency.FormatOptions{Display: req.Display})
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "formatted": formatted})
}

type formatRequest struct {
	Amount   currency.Money   `json:"amount"`
	Display  currency.Display `json:"display"`
	Decimals *int32           `json:"decimals"`
}

// FormatAmount renders an amount with its currency symbol or code
func (h *ComplianceHandler) FormatAmount(c *gin.Context) {
	var req formatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	formatted, err := h.currency.Format(req.Amount, currency.FormatOptions{Display: req.Display, Decimals: req.Decimals})
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"formatted": formatted})
}
