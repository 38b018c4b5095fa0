package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/marcusmccarty/branch-deploy/internal/command"
	"github.com/marcusmccarty/branch-deploy/internal/coordinator"
	"github.com/marcusmccarty/branch-deploy/internal/lockkey"
	"github.com/marcusmccarty/branch-deploy/internal/metrics"
	"github.com/marcusmccarty/branch-deploy/internal/model"
)

// maxBodyBytes bounds request bodies; comment bodies are the largest input.
const maxBodyBytes = 64 << 10

// Acquirer runs the lock protocol. *coordinator.Coordinator implements it.
type Acquirer interface {
	Acquire(ctx context.Context, req coordinator.Request) (*coordinator.Result, error)
}

// LockHandlers provides HTTP handlers for lock operations.
type LockHandlers struct {
	acquirer  Acquirer
	parser    *command.Parser
	serverURL string
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewLockHandlers creates a new LockHandlers instance. serverURL fills in the
// request context of requests that do not carry one, so lock links point at
// the right forge.
func NewLockHandlers(acquirer Acquirer, parser *command.Parser, serverURL string, logger *zap.Logger, m *metrics.Metrics) *LockHandlers {
	return &LockHandlers{
		acquirer:  acquirer,
		parser:    parser,
		serverURL: serverURL,
		logger:    logger,
		metrics:   m,
	}
}

// HandleLock handles POST /v1/lock.
// Returns:
//   - 200 OK: lock claimed, already owned by the actor, or found by a query
//   - 400 Bad Request: invalid body or request
//   - 404 Not Found: details-only query with no active lock
//   - 409 Conflict: lock held by another actor; the body carries the record
//   - 500 Internal Server Error: store failure or corrupt lock file
func (h *LockHandlers) HandleLock(w http.ResponseWriter, r *http.Request) {
	var body model.LockRequest
	if err := h.decode(w, r, &body); err != nil {
		h.logger.Debug("Failed to decode lock request", zap.Error(err))
		h.metrics.RecordLockOperation("acquire", "invalid")
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	environment := strings.TrimSpace(body.Environment)
	if environment == "" && !body.Global {
		environment = h.parser.DefaultEnvironment
	}

	req := coordinator.Request{
		Actor:       strings.TrimSpace(body.Actor),
		Ref:         strings.TrimSpace(body.Ref),
		Sticky:      body.Sticky,
		Environment: environment,
		Global:      body.Global,
		DetailsOnly: body.DetailsOnly,
		Reason:      body.Reason,
		Context:     h.requestContext(body.Context),
	}

	h.acquire(w, r, "acquire", req)
}

// HandleGetLock handles GET /v1/lock/{environment}?actor=<actor>.
func (h *LockHandlers) HandleGetLock(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, coordinator.Request{
		Environment: strings.TrimSpace(chi.URLParam(r, "environment")),
	})
}

// HandleGetGlobalLock handles GET /v1/lock/global?actor=<actor>.
func (h *LockHandlers) HandleGetGlobalLock(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, coordinator.Request{Global: true})
}

func (h *LockHandlers) query(w http.ResponseWriter, r *http.Request, req coordinator.Request) {
	req.Actor = strings.TrimSpace(r.URL.Query().Get("actor"))
	req.DetailsOnly = true
	req.Context = h.requestContext(model.RequestContext{})

	h.acquire(w, r, "query", req)
}

// HandleCommand handles POST /v1/command: the comment body is parsed the way
// the chat integration parses it, then claimed or queried.
// Returns the same codes as HandleLock, plus 422 Unprocessable Entity when
// the body is not a lock command.
func (h *LockHandlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var body model.CommandRequest
	if err := h.decode(w, r, &body); err != nil {
		h.logger.Debug("Failed to decode command request", zap.Error(err))
		h.metrics.RecordCommand("invalid")
		h.metrics.RecordLockOperation("command", "invalid")
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmd, err := h.parser.Parse(body.Body)
	switch {
	case errors.Is(err, command.ErrNotLockCommand):
		h.metrics.RecordCommand("ignored")
		h.metrics.RecordLockOperation("command", "invalid")
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		h.metrics.RecordCommand("invalid")
		h.metrics.RecordLockOperation("command", "invalid")
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if cmd.DetailsOnly {
		h.metrics.RecordCommand("details")
	} else {
		h.metrics.RecordCommand("lock")
	}

	req := cmd.Coordinator(strings.TrimSpace(body.Actor), strings.TrimSpace(body.Ref), h.requestContext(body.Context))
	h.acquire(w, r, "command", req)
}

func (h *LockHandlers) acquire(w http.ResponseWriter, r *http.Request, operation string, req coordinator.Request) {
	start := time.Now()

	result, err := h.acquirer.Acquire(r.Context(), req)
	if err != nil {
		if isRequestError(err) {
			h.metrics.RecordLockOperation(operation, "invalid")
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		h.logger.Error("Failed to acquire lock",
			zap.String("operation", operation),
			zap.String("actor", req.Actor),
			zap.String("environment", req.Environment),
			zap.Bool("global", req.Global),
			zap.Error(err),
		)
		h.metrics.RecordLockOperation(operation, "error")
		h.respondError(w, http.StatusInternalServerError, "failed to acquire lock")
		return
	}

	outcome := result.Outcome.String()
	scope := "environment"
	if result.Scope.IsGlobal() {
		scope = "global"
	}
	h.metrics.RecordLockOperation(operation, outcome)
	h.metrics.RecordAcquisition(scope, outcome, time.Since(start))

	if result.Outcome == coordinator.Denied {
		h.logger.Info("Lock request denied",
			zap.String("actor", req.Actor),
			zap.String("owner", result.Record.CreatedBy),
			zap.String("lock_key", result.Key.String()),
		)
	}

	h.respondJSON(w, statusFor(result.Outcome), model.LockResponse{
		Status:  outcome,
		Message: result.Message,
		LockKey: result.Key.String(),
		Bypass:  result.Bypass,
		Lock:    result.Record,
	})
}

// statusFor maps an outcome onto the HTTP status of its response.
func statusFor(o coordinator.Outcome) int {
	switch o {
	case coordinator.Denied:
		return http.StatusConflict
	case coordinator.NoActiveLock:
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

func isRequestError(err error) bool {
	return errors.Is(err, lockkey.ErrMissingEnvironment) ||
		errors.Is(err, lockkey.ErrInvalidEnvironment) ||
		errors.Is(err, coordinator.ErrMissingActor) ||
		errors.Is(err, coordinator.ErrMissingRef)
}

func (h *LockHandlers) requestContext(rc model.RequestContext) model.RequestContext {
	if rc.ServerURL == "" {
		rc.ServerURL = h.serverURL
	}
	return rc
}

func (h *LockHandlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *LockHandlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, model.LockResponse{
		Status:  "error",
		Message: message,
	})
}

func (h *LockHandlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
