package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"leadflow/crm/internal/auth"
	"leadflow/crm/internal/config"
	"leadflow/crm/internal/email"
	"leadflow/crm/internal/logger"
	"leadflow/crm/internal/models"
	"leadflow/crm/internal/recurrence"
	"leadflow/crm/internal/services"
)

// Error codes returned in JsonApiResponse.Code.
const (
	CodeValidation   = "validation_error"
	CodeConflict     = "conflict"
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// Context key type for AuthResult
type authContextKey string

const authResultKey authContextKey = "authResult"

// Helper to get AuthResult from context
func getAuthFromContext(ctx context.Context) (*AuthResult, bool) {
	val, ok := ctx.Value(authResultKey).(*AuthResult)
	return val, ok
}

// RecurringRunner runs one rule immediately, including the follow-up a worker run does.
type RecurringRunner interface {
	RunOne(ctx context.Context, id string, asOf time.Time) (*models.Invoice, error)
}

// JsonApiRequest defines the expected structure for JSON API requests.
type JsonApiRequest struct {
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// JsonApiResponse defines the structure for JSON API responses.
type JsonApiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// apiMethodFunc defines the signature for handler methods.
type apiMethodFunc func(c *gin.Context, args json.RawMessage) (interface{}, *ApiError)

// JsonApiHandler holds dependencies for handling JSON API requests.
type JsonApiHandler struct {
	cfg       *config.Config
	recurring services.IRecurringInvoiceService
	runner    RecurringRunner
	invoices  services.IInvoiceService
	contacts  services.IContactService
	templates services.IEmailTemplateService
	methods   map[string]apiMethodFunc
	now       func() time.Time
	log       zerolog.Logger
}

// NewJsonApiHandler creates a new handler for the JSON API endpoint.
func NewJsonApiHandler(
	cfg *config.Config,
	recurring services.IRecurringInvoiceService,
	runner RecurringRunner,
	invoices services.IInvoiceService,
	contacts services.IContactService,
	templates services.IEmailTemplateService,
) *JsonApiHandler {
	h := &JsonApiHandler{
		cfg:       cfg,
		recurring: recurring,
		runner:    runner,
		invoices:  invoices,
		contacts:  contacts,
		templates: templates,
		now:       time.Now,
		log:       logger.WithComponent("api"),
	}
	h.methods = map[string]apiMethodFunc{
		"ping":                         h.ping,
		"getRecurringInvoice":          h.getRecurringInvoice,
		"listRecurringInvoices":        h.listRecurringInvoices,
		"createRecurringInvoice":       h.createRecurringInvoice,
		"updateRecurringInvoice":       h.updateRecurringInvoice,
		"deleteRecurringInvoice":       h.deleteRecurringInvoice,
		"toggleRecurringInvoiceActive": h.toggleRecurringInvoiceActive,
		"setRecurringInvoiceActive":    h.setRecurringInvoiceActive,
		"runRecurringInvoice":          h.runRecurringInvoice,
		"previewNextRun":               h.previewNextRun,
		"listGeneratedInvoices":        h.listGeneratedInvoices,
		"listOverdueInvoices":          h.listOverdueInvoices,
		"getContacts":                  h.getContacts,
		"getEmailTemplate":             h.getEmailTemplate,
		"saveEmailTemplate":            h.saveEmailTemplate,
	}
	return h
}

// HandleRequest is the main entry point for POST /v1/api
func (h *JsonApiHandler) HandleRequest(c *gin.Context) {
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.sendErrorResponse(c, NewApiError(CodeValidation, "Failed to read request body"))
		return
	}

	var req JsonApiRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		h.sendErrorResponse(c, NewApiError(CodeValidation, "Invalid JSON request format"))
		return
	}

	handlerFunc, ok := h.methods[req.Method]
	if !ok {
		h.sendErrorResponse(c, NewApiError(CodeNotFound, fmt.Sprintf("Unknown method: %s", req.Method)))
		return
	}

	if apiErr := h.checkAuthForMethod(c, req.Method); apiErr != nil {
		h.sendErrorResponse(c, apiErr)
		return
	}

	result, apiErr := handlerFunc(c, req.Arguments)
	if apiErr != nil {
		h.sendErrorResponse(c, apiErr)
		return
	}
	h.sendSuccessResponse(c, result)
}

// AuthResult holds the authenticated caller.
type AuthResult struct {
	UserID  string
	IsAdmin bool
}

// checkAuthForMethod validates the admin token for every method but ping and
// stores the AuthResult in c.Request.Context().
func (h *JsonApiHandler) checkAuthForMethod(c *gin.Context, method string) *ApiError {
	if !methodRequiresAdmin(method) {
		return nil
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return NewApiError(CodeUnauthorized, "Authorization header required")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return NewApiError(CodeUnauthorized, "Authorization header format must be Bearer {token}")
	}
	claims, err := auth.ValidateJWT(parts[1], h.cfg.JwtSecret)
	if err != nil {
		h.log.Debug().Err(err).Str("method", method).Msg("token validation failed")
		return NewApiError(CodeUnauthorized, "Invalid or expired token")
	}
	if !claims.IsAdmin {
		h.log.Debug().Str("method", method).Str("user_id", claims.UserID).Msg("admin privileges required")
		return NewApiError(CodeUnauthorized, "Administrator privileges required")
	}

	authRes := &AuthResult{UserID: claims.UserID, IsAdmin: claims.IsAdmin}
	ctx := context.WithValue(c.Request.Context(), authResultKey, authRes)
	c.Request = c.Request.WithContext(ctx)
	return nil
}

func methodRequiresAdmin(method string) bool {
	return method != "ping"
}

// --- Private helper methods ---

func (h *JsonApiHandler) sendSuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, JsonApiResponse{Success: true, Data: data})
}

func (h *JsonApiHandler) sendErrorResponse(c *gin.Context, apiErr *ApiError) {
	c.JSON(http.StatusOK, JsonApiResponse{Success: false, Error: apiErr.Message, Code: apiErr.Code})
}

type ApiError struct {
	Code    string
	Message string
}

func (e *ApiError) Error() string {
	return e.Message
}

func NewApiError(code, message string) *ApiError {
	return &ApiError{Code: code, Message: message}
}

// serviceError maps a service error onto an API error code.
func (h *JsonApiHandler) serviceError(method string, err error) *ApiError {
	switch {
	case errors.Is(err, recurrence.ErrValidation):
		return NewApiError(CodeValidation, err.Error())
	case errors.Is(err, recurrence.ErrConcurrentModification):
		return NewApiError(CodeConflict, "The recurring invoice was changed concurrently; reload and retry")
	case errors.Is(err, recurrence.ErrNotFound),
		errors.Is(err, services.ErrInvoiceNotFound),
		errors.Is(err, services.ErrContactNotFound),
		errors.Is(err, services.ErrTemplateNotFound):
		return NewApiError(CodeNotFound, err.Error())
	}
	h.log.Error().Err(err).Str("method", method).Msg("api method failed")
	return NewApiError(CodeInternal, "Internal error")
}

// parseArgs decodes a positional argument array into targets. The first
// `required` targets must be present; the rest are optional.
func parseArgs(rawArgs json.RawMessage, required int, targets ...interface{}) *ApiError {
	var items []json.RawMessage
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &items); err != nil {
			return NewApiError(CodeValidation, "Arguments must be a JSON array")
		}
	}
	if len(items) < required {
		return NewApiError(CodeValidation, fmt.Sprintf("Expected at least %d argument(s), got %d", required, len(items)))
	}
	if len(items) > len(targets) {
		return NewApiError(CodeValidation, fmt.Sprintf("Expected at most %d argument(s), got %d", len(targets), len(items)))
	}
	for i, item := range items {
		if err := json.Unmarshal(item, targets[i]); err != nil {
			return NewApiError(CodeValidation, fmt.Sprintf("Invalid argument %d: %v", i+1, err))
		}
	}
	return nil
}

func parseIDArg(rawArgs json.RawMessage) (string, *ApiError) {
	var id string
	if apiErr := parseArgs(rawArgs, 1, &id); apiErr != nil {
		return "", apiErr
	}
	if strings.TrimSpace(id) == "" {
		return "", NewApiError(CodeValidation, "id is required")
	}
	return id, nil
}

// parseAsOf accepts a calendar day or an RFC 3339 timestamp. Empty means now.
func (h *JsonApiHandler) parseAsOf(s string) (time.Time, *ApiError) {
	if s == "" {
		return h.now().UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, NewApiError(CodeValidation, "as_of must be YYYY-MM-DD or RFC 3339")
	}
	return t.UTC(), nil
}

// --- API Method Implementations ---

func (h *JsonApiHandler) ping(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args
	return "pong", nil
}

func (h *JsonApiHandler) getRecurringInvoice(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	id, apiErr := parseIDArg(args)
	if apiErr != nil {
		return nil, apiErr
	}
	rule, err := h.recurring.Get(c.Request.Context(), id)
	if err != nil {
		return nil, h.serviceError("getRecurringInvoice", err)
	}
	return rule, nil
}

// ListRecurringInvoicesArgs filters listRecurringInvoices.
type ListRecurringInvoicesArgs struct {
	ContactID string `json:"contact_id,omitempty"`
	Active    *bool  `json:"active,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
	Offset    int64  `json:"offset,omitempty"`
}

func (h *JsonApiHandler) listRecurringInvoices(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var filter ListRecurringInvoicesArgs
	if apiErr := parseArgs(args, 0, &filter); apiErr != nil {
		return nil, apiErr
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, NewApiError(CodeValidation, "limit and offset must not be negative")
	}
	rules, err := h.recurring.List(c.Request.Context(), services.RecurringInvoiceFilter{
		ContactID: filter.ContactID,
		Active:    filter.Active,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	})
	if err != nil {
		return nil, h.serviceError("listRecurringInvoices", err)
	}
	return rules, nil
}

func (h *JsonApiHandler) createRecurringInvoice(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var in services.CreateRecurringInvoiceInput
	if apiErr := parseArgs(args, 1, &in); apiErr != nil {
		return nil, apiErr
	}
	rule, err := h.recurring.Create(c.Request.Context(), in)
	if err != nil {
		return nil, h.serviceError("createRecurringInvoice", err)
	}
	return rule, nil
}

func (h *JsonApiHandler) updateRecurringInvoice(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var id string
	var in services.UpdateRecurringInvoiceInput
	if apiErr := parseArgs(args, 2, &id, &in); apiErr != nil {
		return nil, apiErr
	}
	rule, err := h.recurring.Update(c.Request.Context(), id, in)
	if err != nil {
		return nil, h.serviceError("updateRecurringInvoice", err)
	}
	return rule, nil
}

func (h *JsonApiHandler) deleteRecurringInvoice(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	id, apiErr := parseIDArg(args)
	if apiErr != nil {
		return nil, apiErr
	}
	if err := h.recurring.Delete(c.Request.Context(), id); err != nil {
		return nil, h.serviceError("deleteRecurringInvoice", err)
	}
	return true, nil
}

func (h *JsonApiHandler) toggleRecurringInvoiceActive(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	id, apiErr := parseIDArg(args)
	if apiErr != nil {
		return nil, apiErr
	}
	rule, err := h.recurring.ToggleActive(c.Request.Context(), id)
	if err != nil {
		return nil, h.serviceError("toggleRecurringInvoiceActive", err)
	}
	return rule, nil
}

func (h *JsonApiHandler) setRecurringInvoiceActive(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var id string
	var active bool
	if apiErr := parseArgs(args, 2, &id, &active); apiErr != nil {
		return nil, apiErr
	}
	rule, err := h.recurring.SetActive(c.Request.Context(), id, active)
	if err != nil {
		return nil, h.serviceError("setRecurringInvoiceActive", err)
	}
	return rule, nil
}

// runRecurringInvoice materializes a rule now. The result is the generated invoice,
// or null when the rule is not due.
func (h *JsonApiHandler) runRecurringInvoice(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	id, apiErr := parseIDArg(args)
	if apiErr != nil {
		return nil, apiErr
	}
	invoice, err := h.runner.RunOne(c.Request.Context(), id, h.now().UTC())
	if err != nil {
		return nil, h.serviceError("runRecurringInvoice", err)
	}
	if caller, ok := getAuthFromContext(c.Request.Context()); ok && invoice != nil {
		h.log.Info().Str("user_id", caller.UserID).Str("recurring_invoice_id", id).Str("invoice_id", invoice.ID).Msg("manual run")
	}
	return invoice, nil
}

// NextRunPreview is the result of previewNextRun.
type NextRunPreview struct {
	AsOf    time.Time  `json:"as_of"`
	NextRun *time.Time `json:"next_run"`
}

func (h *JsonApiHandler) previewNextRun(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var id, asOfStr string
	if apiErr := parseArgs(args, 1, &id, &asOfStr); apiErr != nil {
		return nil, apiErr
	}
	asOf, apiErr := h.parseAsOf(asOfStr)
	if apiErr != nil {
		return nil, apiErr
	}
	next, err := h.recurring.NextRun(c.Request.Context(), id, asOf)
	if err != nil {
		return nil, h.serviceError("previewNextRun", err)
	}
	return NextRunPreview{AsOf: asOf, NextRun: next}, nil
}

func (h *JsonApiHandler) listGeneratedInvoices(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	id, apiErr := parseIDArg(args)
	if apiErr != nil {
		return nil, apiErr
	}
	invoices, err := h.invoices.ListByRecurringInvoice(c.Request.Context(), id)
	if err != nil {
		return nil, h.serviceError("listGeneratedInvoices", err)
	}
	return invoices, nil
}

func (h *JsonApiHandler) listOverdueInvoices(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var asOfStr string
	if apiErr := parseArgs(args, 0, &asOfStr); apiErr != nil {
		return nil, apiErr
	}
	asOf, apiErr := h.parseAsOf(asOfStr)
	if apiErr != nil {
		return nil, apiErr
	}
	invoices, err := h.invoices.FindOverdueInvoices(c.Request.Context(), asOf)
	if err != nil {
		return nil, h.serviceError("listOverdueInvoices", err)
	}
	return invoices, nil
}

func (h *JsonApiHandler) getContacts(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	_ = args
	contacts, err := h.contacts.GetContacts(c.Request.Context())
	if err != nil {
		return nil, h.serviceError("getContacts", err)
	}
	return contacts, nil
}

func (h *JsonApiHandler) getEmailTemplate(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var locale string
	if apiErr := parseArgs(args, 0, &locale); apiErr != nil {
		return nil, apiErr
	}
	if locale == "" {
		locale = h.cfg.DefaultLocale
	}
	tmpl, err := h.templates.GetTemplate(c.Request.Context(), services.RecurringInvoiceTemplateID, locale)
	if err != nil {
		return nil, h.serviceError("getEmailTemplate", err)
	}
	return tmpl, nil
}

// SaveEmailTemplateArgs replaces the recurring invoice email for one locale.
type SaveEmailTemplateArgs struct {
	Locale  string `json:"locale"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (h *JsonApiHandler) saveEmailTemplate(c *gin.Context, args json.RawMessage) (interface{}, *ApiError) {
	var in SaveEmailTemplateArgs
	if apiErr := parseArgs(args, 1, &in); apiErr != nil {
		return nil, apiErr
	}
	if in.Locale == "" || strings.TrimSpace(in.Subject) == "" || strings.TrimSpace(in.Body) == "" {
		return nil, NewApiError(CodeValidation, "locale, subject and body are required")
	}
	if err := email.CheckTemplate(in.Subject, in.Body); err != nil {
		return nil, NewApiError(CodeValidation, err.Error())
	}
	tmpl := &models.EmailTemplate{
		TemplateID: services.RecurringInvoiceTemplateID,
		Locale:     in.Locale,
		Subject:    in.Subject,
		Body:       in.Body,
	}
	if err := h.templates.SaveTemplate(c.Request.Context(), tmpl); err != nil {
		return nil, h.serviceError("saveEmailTemplate", err)
	}
	return tmpl, nil
}
