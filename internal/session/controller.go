package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"palantir/internal/domain"
	"palantir/internal/dto"
	apperrors "palantir/internal/errors"
)

type SessionManager interface {
	Open(ctx context.Context, companyID int) (*Session, error)
	Get(companyID int) (*Session, bool)
	Close(companyID int) bool
}

type PrintAgentConnector interface {
	Connect(ctx context.Context) error
	State() domain.ConnectionState
}

type Controller struct {
	manager    SessionManager
	printAgent PrintAgentConnector
	logger     *zap.Logger
}

func NewController(manager SessionManager, printAgent PrintAgentConnector, logger *zap.Logger) *Controller {
	return &Controller{
		manager:    manager,
		printAgent: printAgent,
		logger:     logger,
	}
}

// Routes mounts the tenant endpoints under /companies/{companyId}.
func (c *Controller) Routes(r chi.Router) {
	r.Route("/companies/{companyId}", func(r chi.Router) {
		r.Post("/session", c.OpenSession)
		r.Delete("/session", c.CloseSession)
		r.Get("/orders", c.ListOrders)
		r.Patch("/orders/{orderId}/status", c.ChangeOrderStatus)
		r.Post("/orders/{orderId}/print", c.PrintOrder)
		r.Get("/alerts", c.ListAlerts)
		r.Post("/alerts/{alertId}/read", c.MarkAlertRead)
		r.Delete("/alerts/{alertId}", c.DismissAlert)
		r.Get("/connections", c.Connections)
		r.Post("/messaging/reconnect", c.ReconnectMessaging)
	})
	r.Post("/print-agent/connect", c.ConnectPrintAgent)
}

func (c *Controller) OpenSession(w http.ResponseWriter, r *http.Request) {
	traceID, logger := c.trace()
	companyID, ok := c.companyID(w, r, traceID)
	if !ok {
		return
	}
	logger = logger.With(zap.Int("companyId", companyID))

	// r.Context() only bounds the config lookup; the session runs on its own context.
	s, err := c.manager.Open(r.Context(), companyID)
	if s == nil {
		c.handleError(w, traceID, err, logger)
		return
	}

	resp := dto.SessionResponse{
		TraceID:     traceID,
		CompanyID:   companyID,
		Connections: connectionsDTO(s.Connections()),
	}
	if err != nil {
		logger.Warn("session open but live channel unavailable", zap.Error(err))
		resp.Warning = err.Error()
	}
	c.writeJSON(w, http.StatusOK, resp)
}

func (c *Controller) CloseSession(w http.ResponseWriter, r *http.Request) {
	traceID, logger := c.trace()
	companyID, ok := c.companyID(w, r, traceID)
	if !ok {
		return
	}
	if !c.manager.Close(companyID) {
		c.handleError(w, traceID, noSession(companyID), logger)
		return
	}
	c.writeJSON(w, http.StatusOK, dto.AckResponse{TraceID: traceID, Timestamp: time.Now().UTC()})
}

func (c *Controller) ListOrders(w http.ResponseWriter, r *http.Request) {
	traceID, logger := c.trace()
	s, ok := c.session(w, r, traceID, logger)
	if !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, dto.OrdersResponse{
		TraceID:    traceID,
		Loaded:     s.OrdersLoaded(),
		Orders:     dto.NewOrderDTOs(s.Orders()),
		Rejections: s.Rejections(),
	})
}

func (c *Controller) ChangeOrderStatus(w http.ResponseWriter, r *http.Request) {
	traceID, logger := c.trace()
	s, ok := c.session(w, r, traceID, logger)
	if !ok {
		return
	}
	orderID, ok := c.orderID(w, r, traceID)
	if !ok {
		return
	}
	logger = logger.With(zap.Int("companyId", s.CompanyID()), zap.Uint("orderId", orderID))

	var req dto.ChangeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid JSON body", zap.Error(err))
		c.writeValidationError(w, traceID, "invalid JSON body", apperrors.ValidationDetail{
			Field:   "body",
			Message: "request body must be valid JSON",
		})
		return
	}

	to, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		c.handleError(w, traceID, err, logger)
		return
	}

	order, err := s.ChangeOrderStatus(r.Context(), orderID, to)
	if err != nil {
		c.handleError(w, traceID, err, logger)
		return
	}
	c.writeJSON(w, http.StatusOK, dto.OrderResponse{TraceID: traceID, Order: dto.NewOrderDTO(*order)})
}

func (c *Controller) PrintOrder(w http.ResponseWriter, r *http.Request) {
	traceID, logger := c.trace()
	s, ok := c.session(w, r, traceID, logger)
	if !ok {
		return
	}
	orderID, ok := c.orderID(w, r, traceID)
	if !ok {
		return
	}
	logger = logger.With(zap.Int("companyId", s.CompanyID()), zap.Uint("orderId", orderID))

	if err := s.PrintOrder(r.Context(), orderID); err != nil {
		c.handleError(w, traceID, err, logger)
		return
	}
	c.writeJSON(w, http.StatusAccepted, dto.AckResponse{TraceID: traceID, Timestamp: time.Now().UTC()})
}

func (c *Controller) ListAlerts(w http.ResponseWriter, r *http.Request) {
	traceID, logger := c.trace()
	s, ok := c.session(w, r, traceID, logger)
	if !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, dto.AlertsResponse{
		TraceID:     traceID,
		UnreadCount: s.UnreadCount(),
		Alerts:      dto.NewAlertDTOs(s.Alerts()),
	})
}

func (c *Controller) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	traceID, logger := c.trace()
	s, ok := c.session(w, r, traceID, logger)
	if !ok {
		return
	}
	s.MarkAlertRead(r.Context(), chi.URLParam(r, "alertId"))
	c.writeJSON(w, http.StatusOK, dto.AckResponse{TraceID: traceID, Timestamp: time.Now().UTC()})
}

func (c *Controller) DismissAlert(w http.ResponseWriter, r *http.Request) {
	traceID, logger := c.trace()
	s, ok := c.session(w, r, traceID, logger)
	if !ok {
		return
	}
	s.DismissAlert(r.Context(), chi.URLParam(r, "alertId"))
	c.writeJSON(w, http.StatusOK, dto.AckResponse{TraceID: traceID, Timestamp: time.Now().UTC()})
}

func (c *Controller) Connections(w http.ResponseWriter, r *http.Request) {
	traceID, logger := c.trace()
	s, ok := c.session(w, r, traceID, logger)
	if !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, dto.ConnectionsResponse{
		TraceID:     traceID,
		Connections: connectionsDTO(s.Connections()),
	})
}

func (c *Controller) ReconnectMessaging(w http.ResponseWriter, r *http.Request) {
	traceID, logger := c.trace()
	s, ok := c.session(w, r, traceID, logger)
	if !ok {
		return
	}
	s.ReconnectMessaging()
	c.writeJSON(w, http.StatusAccepted, dto.AckResponse{TraceID: traceID, Timestamp: time.Now().UTC()})
}

func (c *Controller) ConnectPrintAgent(w http.ResponseWriter, r *http.Request) {
	traceID, logger := c.trace()
	if err := c.printAgent.Connect(r.Context()); err != nil {
		c.handleError(w, traceID, err, logger)
		return
	}
	c.writeJSON(w, http.StatusOK, dto.PrintAgentResponse{TraceID: traceID, PrintAgent: c.printAgent.State()})
}

func (c *Controller) trace() (string, *zap.Logger) {
	traceID := uuid.New().String()
	return traceID, c.logger.With(zap.String("traceId", traceID))
}

func (c *Controller) companyID(w http.ResponseWriter, r *http.Request, traceID string) (int, bool) {
	companyID, err := strconv.Atoi(chi.URLParam(r, "companyId"))
	if err != nil || companyID <= 0 {
		c.writeValidationError(w, traceID, "invalid companyId", apperrors.ValidationDetail{
			Field:   "companyId",
			Message: "companyId must be a positive integer",
		})
		return 0, false
	}
	return companyID, true
}

func (c *Controller) orderID(w http.ResponseWriter, r *http.Request, traceID string) (uint, bool) {
	orderID, err := strconv.ParseUint(chi.URLParam(r, "orderId"), 10, 64)
	if err != nil || orderID == 0 {
		c.writeValidationError(w, traceID, "invalid orderId", apperrors.ValidationDetail{
			Field:   "orderId",
			Message: "orderId must be a positive integer",
		})
		return 0, false
	}
	return uint(orderID), true
}

func (c *Controller) session(w http.ResponseWriter, r *http.Request, traceID string, logger *zap.Logger) (*Session, bool) {
	companyID, ok := c.companyID(w, r, traceID)
	if !ok {
		return nil, false
	}
	s, ok := c.manager.Get(companyID)
	if !ok {
		c.handleError(w, traceID, noSession(companyID), logger)
		return nil, false
	}
	return s, true
}

func noSession(companyID int) error {
	return apperrors.NewNotFoundError("no open session for company " + strconv.Itoa(companyID))
}

func (c *Controller) handleError(w http.ResponseWriter, traceID string, err error, logger *zap.Logger) {
	if ve, ok := apperrors.IsValidationError(err); ok {
		c.writeValidationError(w, traceID, ve.Message, ve.Details...)
		return
	}

	if _, ok := apperrors.IsNotFoundError(err); ok {
		c.writeErrorResponse(w, traceID, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	if _, ok := apperrors.IsIllegalTransitionError(err); ok {
		logger.Warn("illegal status transition", zap.Error(err))
		c.writeErrorResponse(w, traceID, http.StatusUnprocessableEntity, "ILLEGAL_TRANSITION", err.Error())
		return
	}

	if _, ok := apperrors.IsConflictError(err); ok {
		c.writeErrorResponse(w, traceID, http.StatusConflict, "CONFLICT", err.Error())
		return
	}

	if _, ok := apperrors.IsDeadlockError(err); ok {
		c.writeErrorResponse(w, traceID, http.StatusConflict, "DEADLOCK", err.Error())
		return
	}

	if _, ok := apperrors.IsPrintAgentUnavailableError(err); ok {
		logger.Warn("print agent unavailable", zap.Error(err))
		c.writeErrorResponse(w, traceID, http.StatusServiceUnavailable, "PRINT_AGENT_UNAVAILABLE", err.Error())
		return
	}

	if _, ok := apperrors.IsPrinterNotFoundError(err); ok {
		c.writeErrorResponse(w, traceID, http.StatusServiceUnavailable, "PRINTER_NOT_FOUND", err.Error())
		return
	}

	logger.Error("unexpected error", zap.Error(err))
	c.writeErrorResponse(w, traceID, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
}

func (c *Controller) writeErrorResponse(w http.ResponseWriter, traceID string, statusCode int, code string, message string) {
	c.writeJSON(w, statusCode, dto.ErrorResponse{
		TraceID:   traceID,
		Status:    statusCode,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Controller) writeValidationError(w http.ResponseWriter, traceID string, message string, details ...apperrors.ValidationDetail) {
	c.writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{
		TraceID:   traceID,
		Status:    http.StatusBadRequest,
		Code:      "VALIDATION_ERROR",
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	})
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Error("failed to encode response", zap.Error(err))
	}
}

func connectionsDTO(c Connections) dto.ConnectionsDTO {
	return dto.ConnectionsDTO{Channel: c.Channel, Messaging: c.Messaging, PrintAgent: c.PrintAgent}
}
