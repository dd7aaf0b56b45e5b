package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/garyjia/receipt-pipeline/internal/application/port"
	"github.com/garyjia/receipt-pipeline/internal/application/service"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/domain/failure"
	"github.com/garyjia/receipt-pipeline/internal/infrastructure/storage"
)

// HeaderCorrelationID lets callers supply their own correlation ID
const HeaderCorrelationID = "X-Correlation-ID"

var isoDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// WebhookVerifier authenticates inbound webhook requests
type WebhookVerifier interface {
	Verify(provider string, headers http.Header, body []byte, now time.Time) error
}

// Exporter streams an org's transactions as a workbook
type Exporter interface {
	WriteTo(ctx context.Context, orgID string, rng *entity.DateRange, w io.Writer) error
}

// Handlers contains all HTTP request handlers
type Handlers struct {
	pipeline     service.PipelineService
	verifier     WebhookVerifier
	rawStore     port.RawStore
	transactions port.TransactionRepository
	corrections  service.CorrectionService
	exporter     Exporter
	maxBodyBytes int64
	logger       Logger
	now          func() time.Time
}

// HandlerDeps groups the collaborators of Handlers. RawStore, Corrections
// and Exporter are optional.
type HandlerDeps struct {
	Pipeline     service.PipelineService
	Verifier     WebhookVerifier
	RawStore     port.RawStore
	Transactions port.TransactionRepository
	Corrections  service.CorrectionService
	Exporter     Exporter
}

// NewHandlers creates a new Handlers instance
func NewHandlers(deps HandlerDeps, maxBodyBytes int64, logger Logger) *Handlers {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 25 << 20
	}
	return &Handlers{
		pipeline:     deps.Pipeline,
		verifier:     deps.Verifier,
		rawStore:     deps.RawStore,
		transactions: deps.Transactions,
		corrections:  deps.Corrections,
		exporter:     deps.Exporter,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
		now:          time.Now,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: HealthResponse{
			Status:    "healthy",
			Timestamp: h.now().UTC().Format(time.RFC3339),
			Version:   "1.0.0",
		},
	})
}

// InboundEmail handles POST /webhook/inbound/:provider. The body is the raw
// RFC 5322 message.
func (h *Handlers) InboundEmail(c *gin.Context) {
	provider := c.Param("provider")
	orgID := c.Query("org")

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		h.logger.Warn("Failed to read webhook body", "provider", provider, "error", err)
		c.JSON(http.StatusRequestEntityTooLarge, Response{Success: false, Error: "request body too large or unreadable"})
		return
	}

	if err := h.verifier.Verify(provider, c.Request.Header, body, h.now()); err != nil {
		kind := failure.KindOf(err)
		c.JSON(http.StatusUnauthorized, Response{Success: false, Error: failure.UserMessage(kind)})
		return
	}

	if orgID == "" {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "org query parameter is required"})
		return
	}

	correlationID := c.GetHeader(HeaderCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	job := service.Job{
		OrgID:         orgID,
		Alias:         c.Query("alias"),
		Provider:      provider,
		UserID:        c.Query("user"),
		CorrelationID: correlationID,
		Raw:           body,
	}

	if h.rawStore != nil {
		key := storage.Key(orgID, correlationID, h.now())
		if err := h.rawStore.Save(c.Request.Context(), key, body); err != nil {
			h.logger.Warn("Failed to store raw email", "correlation_id", correlationID, "error", err)
		} else {
			job.RawRef = key
		}
	}

	// Processing continues if the client disconnects
	ctx := context.WithoutCancel(c.Request.Context())
	outcome := h.pipeline.Process(ctx, job)

	c.Header(HeaderCorrelationID, outcome.CorrelationID)
	c.JSON(outcomeStatus(outcome), Response{
		Success: outcome.Kind != entity.OutcomeTerminalError,
		Data:    outcome,
		Error:   outcomeError(outcome),
	})
}

// GetTransaction handles GET /api/orgs/:org/transactions/:id
func (h *Handlers) GetTransaction(c *gin.Context) {
	orgID := c.Param("org")
	id := c.Param("id")

	tx, err := h.transactions.Get(c.Request.Context(), id, orgID)
	if err != nil {
		h.logger.Error("Failed to get transaction", "org_id", orgID, "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, Response{
			Success: false,
			Error:   failure.UserMessage(failure.KindDatabaseError),
		})
		return
	}
	if tx == nil {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "transaction not found"})
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: tx})
}

// CorrectTransactionRequest is the body of a transaction correction. Absent
// fields are left unchanged.
type CorrectTransactionRequest struct {
	UserID      string   `json:"user_id" binding:"required"`
	Merchant    *string  `json:"merchant"`
	Category    *string  `json:"category"`
	Subcategory *string  `json:"subcategory"`
	Notes       *string  `json:"notes"`
	Amount      *float64 `json:"amount"`
	Status      *string  `json:"status"`
}

// CorrectTransaction handles PATCH /api/orgs/:org/transactions/:id
func (h *Handlers) CorrectTransaction(c *gin.Context) {
	if h.corrections == nil {
		c.JSON(http.StatusNotImplemented, Response{Success: false, Error: "corrections are not configured"})
		return
	}

	orgID := c.Param("org")
	id := c.Param("id")

	var req CorrectTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid correction request", "org_id", orgID, "id", id, "error", err)
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body"})
		return
	}

	upd := entity.TransactionUpdate{
		Merchant:    req.Merchant,
		Category:    req.Category,
		Subcategory: req.Subcategory,
		Notes:       req.Notes,
		Amount:      req.Amount,
	}
	if req.Status != nil {
		status := entity.TransactionStatus(*req.Status)
		upd.Status = &status
	}

	tx, err := h.corrections.Correct(c.Request.Context(), orgID, id, req.UserID, upd)
	switch {
	case errors.Is(err, service.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "transaction not found"})
		return
	case failure.KindOf(err) == failure.KindValidationFailed:
		msg := failure.UserMessage(failure.KindValidationFailed)
		var fe *failure.Error
		if errors.As(err, &fe) && fe.Message != "" {
			msg = fe.Message
		}
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: msg})
		return
	case err != nil:
		h.logger.Error("Failed to correct transaction", "org_id", orgID, "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, Response{
			Success: false,
			Error:   failure.UserMessage(failure.KindDatabaseError),
		})
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: tx})
}

// Stats handles GET /api/orgs/:org/stats?from=&to=
func (h *Handlers) Stats(c *gin.Context) {
	orgID := c.Param("org")
	rng, err := dateRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}

	stats, err := h.transactions.Stats(c.Request.Context(), orgID, rng)
	if err != nil {
		h.logger.Error("Failed to compute stats", "org_id", orgID, "error", err)
		c.JSON(http.StatusInternalServerError, Response{
			Success: false,
			Error:   failure.UserMessage(failure.KindDatabaseError),
		})
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: stats})
}

// Export handles GET /api/orgs/:org/export?from=&to=
func (h *Handlers) Export(c *gin.Context) {
	if h.exporter == nil {
		c.JSON(http.StatusNotImplemented, Response{Success: false, Error: "export is not configured"})
		return
	}

	orgID := c.Param("org")
	rng, err := dateRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}

	filename := fmt.Sprintf("transactions_%s.xlsx", h.now().UTC().Format("20060102"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Status(http.StatusOK)

	if err := h.exporter.WriteTo(c.Request.Context(), orgID, rng, c.Writer); err != nil {
		h.logger.Error("Failed to export transactions", "org_id", orgID, "error", err)
		if !c.Writer.Written() {
			c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "export failed"})
		}
	}
}

func dateRange(c *gin.Context) (*entity.DateRange, error) {
	from, to := c.Query("from"), c.Query("to")
	if from == "" && to == "" {
		return nil, nil
	}
	for _, d := range []string{from, to} {
		if d != "" && !isoDate.MatchString(d) {
			return nil, errors.New("dates must be YYYY-MM-DD")
		}
	}
	return &entity.DateRange{From: from, To: to}, nil
}

func outcomeStatus(o entity.ProcessingOutcome) int {
	switch o.Kind {
	case entity.OutcomeFull, entity.OutcomeFallback:
		return http.StatusCreated
	case entity.OutcomeDuplicate:
		return http.StatusOK
	}
	if o.Failure == nil {
		return http.StatusInternalServerError
	}
	switch o.Failure.Kind {
	case failure.KindValidationFailed, failure.KindEmailParseFailed:
		return http.StatusUnprocessableEntity
	case failure.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case failure.KindCircuitOpen:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func outcomeError(o entity.ProcessingOutcome) string {
	if o.Failure == nil {
		return ""
	}
	return o.Failure.UserMessage
}
