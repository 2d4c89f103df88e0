package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"leadflow/crm/internal/services"
)

// RestInvoiceHandler serves generated invoices to admin REST clients.
type RestInvoiceHandler struct {
	invoiceService services.IInvoiceService
}

// NewRestInvoiceHandler creates a new RestInvoiceHandler.
func NewRestInvoiceHandler(invoiceService services.IInvoiceService) *RestInvoiceHandler {
	return &RestInvoiceHandler{invoiceService: invoiceService}
}

// GetInvoice handles GET /v1/admin/invoices/:id
func (h *RestInvoiceHandler) GetInvoice(c *gin.Context) {
	invoice, err := h.invoiceService.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrInvoiceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Invoice not found"})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve invoice"})
		return
	}
	c.JSON(http.StatusOK, invoice)
}

// ListGeneratedInvoices handles GET /v1/admin/recurring-invoices/:id/invoices.
// Invoices of a deleted rule are still listed.
func (h *RestInvoiceHandler) ListGeneratedInvoices(c *gin.Context) {
	invoices, err := h.invoiceService.ListByRecurringInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve invoices"})
		return
	}
	c.JSON(http.StatusOK, invoices)
}
