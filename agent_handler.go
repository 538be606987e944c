package ap2

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OperationLister is implemented by executors that know their operation
// names. The handler answers 404 for anything else.
type OperationLister interface {
	Operations() []string
}

// AgentHandler exposes an [Executor] over net/http. Each operation is served
// at POST {prefix}/operations/{operation}; the body is a [Message] and the
// response is the resulting [Task].
type AgentHandler struct {
	executor   Executor
	mux        *http.ServeMux
	cfg        config
	operations map[string]struct{}
}

// NewAgentHandler wires executor under prefix, e.g. "/a2a/soho_credentials_provider".
func NewAgentHandler(prefix string, executor Executor, opts ...Option) *AgentHandler {
	if executor == nil {
		panic("ap2: executor is required")
	}
	cfg := config{
		maxClockSkew: 5 * time.Minute,
		clock:        time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.requireSignedRequests && cfg.signatureVerifier == nil {
		panic("ap2: signature verifier required when signed requests are enforced")
	}
	if cfg.taskStore == nil {
		cfg.taskStore = NewMemoryTaskStore()
	}
	h := &AgentHandler{
		executor: executor,
		mux:      http.NewServeMux(),
		cfg:      cfg,
	}
	if lister, ok := executor.(OperationLister); ok {
		h.operations = make(map[string]struct{})
		for _, op := range lister.Operations() {
			h.operations[op] = struct{}{}
		}
	}
	var middleware []Middleware
	if mw := newSignatureMiddleware(signatureMiddlewareConfig{
		Verifier:      cfg.signatureVerifier,
		RequireSigned: cfg.requireSignedRequests,
		MaxClockSkew:  cfg.maxClockSkew,
		Clock:         cfg.clock,
	}); mw != nil {
		middleware = append(middleware, Middleware(mw))
	}
	if cfg.authenticator != nil {
		middleware = append(middleware, h.authenticationMiddleware)
	}
	middleware = append(middleware, cfg.middleware...)
	if cfg.limiter != nil {
		middleware = append(middleware, h.rateLimitMiddleware)
	}
	// Outermost, so rejected requests are logged too.
	middleware = append(middleware, h.loggingMiddleware)
	h.registerRoutes(strings.TrimRight(prefix, "/"), middleware...)
	return h
}

// ServeHTTP satisfies http.Handler.
func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestCtx := requestContextFromRequest(r)
	ctx := contextWithRequestContext(r.Context(), requestCtx)
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *AgentHandler) registerRoutes(prefix string, middleware ...Middleware) {
	h.mux.HandleFunc("POST "+prefix+"/operations/{operation}", applyMiddleware(h.handleOperation, middleware...))
}

func (h *AgentHandler) handleOperation(w http.ResponseWriter, r *http.Request) {
	operation := r.PathValue("operation")
	if !h.supports(operation) {
		writeJSONError(w, NewHTTPError(http.StatusNotFound, InvalidRequest, UnknownOperation, fmt.Sprintf("unknown operation %q", operation)))
		return
	}
	var msg Message
	if err := decodeJSON(r.Body, &msg); err != nil {
		writeJSONError(w, NewInvalidRequestError(err.Error()))
		return
	}
	if err := msg.Validate(); err != nil {
		writeServiceError(w, err)
		return
	}

	ctx := r.Context()
	var current *Task
	if msg.TaskID != "" {
		task, ok, err := h.cfg.taskStore.Get(ctx, msg.TaskID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !ok {
			writeJSONError(w, NewNotFoundError(fmt.Sprintf("task %s not found", msg.TaskID), WithOffendingParam("task_id")))
			return
		}
		if task.Status.State.Terminal() {
			writeJSONError(w, NewHTTPError(http.StatusConflict, InvalidRequest, ErrorCode(InvalidRequest), fmt.Sprintf("task %s is already %s", task.ID, task.Status.State)))
			return
		}
		current = task
	}

	rec := NewTaskRecorder(current, msg.ContextID)
	if err := h.executor.Execute(ctx, operation, msg, current, rec); err != nil {
		h.logExecutionError(r, operation, err)
		if !rec.Finalized() {
			_ = rec.Fail(ctx, AgentMessage(err.Error()))
		}
	} else if !rec.Finalized() {
		_ = rec.Fail(ctx, AgentMessage(fmt.Sprintf("operation %s produced no result", operation)))
	}

	task := rec.Task()
	if err := h.cfg.taskStore.Put(ctx, task); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *AgentHandler) supports(operation string) bool {
	if operation == "" {
		return false
	}
	if h.operations == nil {
		return true
	}
	_, ok := h.operations[operation]
	return ok
}

func (h *AgentHandler) logExecutionError(r *http.Request, operation string, err error) {
	level := slog.LevelError
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.StatusCode() < http.StatusInternalServerError {
		level = slog.LevelInfo
	}
	if errors.Is(err, ErrInvalidCredential) {
		level = slog.LevelWarn
	}
	h.cfg.logger.Log(r.Context(), level, "operation failed", "operation", operation, "error", err)
}

func (h *AgentHandler) loggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := h.cfg.clock()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", h.cfg.clock().Sub(start).Truncate(time.Millisecond),
		}
		if rc := RequestContextFromContext(r.Context()); rc != nil && rc.RequestID != "" {
			attrs = append(attrs, "request_id", rc.RequestID)
		}
		h.cfg.logger.Info("request served", attrs...)
	}
}

func (h *AgentHandler) rateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := h.cfg.limiter.ReserveN(h.cfg.clock(), 1)
		if !res.OK() {
			writeJSONError(w, NewRateLimitExceededError("rate limit exceeded"))
			return
		}
		if delay := res.DelayFrom(h.cfg.clock()); delay > 0 {
			res.Cancel()
			writeJSONError(w, NewRateLimitExceededError("rate limit exceeded", WithRetryAfter(delay)))
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

// WriteHeader captures the status code before forwarding to the real writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
