package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/service/deploy"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/service/deprovision"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/service/provision"
)

// Provisioner creates branch environments.
type Provisioner interface {
	Provision(ctx context.Context, req domain.BranchRequest, correlationID string) domain.ProvisionResult
}

// Deployer rolls branch builds out.
type Deployer interface {
	Deploy(ctx context.Context, req domain.DeploymentRequest, correlationID string) domain.DeploymentResult
}

// Deprovisioner removes branch environments.
type Deprovisioner interface {
	Deprovision(ctx context.Context, req domain.BranchRequest, correlationID string) (domain.DeprovisionResult, error)
}

// HealthCheck probes one dependency for /healthz.
type HealthCheck func(ctx context.Context) error

// Options configures the Router. Zero values disable the corresponding feature.
type Options struct {
	Auth       *Authenticator
	Limiter    RateLimiter
	RateLimit  int
	RateWindow time.Duration
	// BranchRateLimit caps requests per workflow and branch within RateWindow.
	BranchRateLimit int
	Registry        prometheus.Registerer
	Gatherer        prometheus.Gatherer
	Checks          map[string]HealthCheck
}

// Router wires HTTP endpoints to the workflow services.
type Router struct {
	mux         chi.Router
	logger      *slog.Logger
	provision   Provisioner
	deploy      Deployer
	deprovision Deprovisioner
	auth        *Authenticator
	limiter     RateLimiter
	callerQuota quotaRule
	branchQuota quotaRule
	checks      map[string]HealthCheck
	metrics     *metrics
	gatherer    prometheus.Gatherer
	now         func() time.Time
}

const (
	maxBodyBytes       = 1 << 20
	healthCheckTimeout = 2 * time.Second
	correlationHeader  = "X-Correlation-ID"
)

// NewRouter assembles routes with dependencies. Any service may be nil; its endpoint then
// answers with a configuration error.
func NewRouter(logger *slog.Logger, provisionSvc Provisioner, deploySvc Deployer, deprovisionSvc Deprovisioner, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:         chi.NewRouter(),
		logger:      logger,
		provision:   provisionSvc,
		deploy:      deploySvc,
		deprovision: deprovisionSvc,
		auth:        opts.Auth,
		limiter:     opts.Limiter,
		callerQuota: quotaRule{limit: opts.RateLimit, window: opts.RateWindow},
		branchQuota: quotaRule{limit: opts.BranchRateLimit, window: opts.RateWindow},
		checks:      opts.Checks,
		metrics:     newMetrics(opts.Registry),
		gatherer:    opts.Gatherer,
		now:         time.Now,
	}
	if r.auth == nil {
		r.auth = NewAuthenticator(nil, "")
	}
	if r.limiter == nil && (r.callerQuota.enabled() || r.branchQuota.enabled()) {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Use(r.audit)
	r.mux.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.mux.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.mux.Get("/health", r.handleHealth)
	r.mux.Get("/healthz", r.handleHealthz)
	r.mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	workflows := func(g chi.Router) {
		g.Use(r.requireAuth)
		g.With(r.rateLimited(provision.WorkflowName)).Post("/provision", r.handleProvision)
		g.With(r.rateLimited(deploy.WorkflowName)).Post("/deploy", r.handleDeploy)
		g.With(r.rateLimited(deprovision.WorkflowName)).Post("/deprovision", r.handleDeprovision)
	}
	r.mux.Group(workflows)
	r.mux.Route("/api", workflows)
}

func (r *Router) rateLimited(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return r.withRateLimit(route, next)
	}
}

type branchPayload struct {
	BranchName string `json:"branch_name"`
}

type deployPayload struct {
	BranchName string `json:"branch_name"`
	CommitSHA  string `json:"commit_sha"`
}

var errBodyRequired = errors.New("Request body is required")

// decodeBody rejects empty bodies and empty objects, then decodes into v.
func decodeBody(req *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errBodyRequired
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if len(fields) == 0 {
		return errBodyRequired
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &domain.ValidationError{Message: err.Error()}
	}
	return nil
}

func (r *Router) handleProvision(w http.ResponseWriter, req *http.Request) {
	correlationID := provision.NewCorrelationID()
	w.Header().Set(correlationHeader, correlationID)
	log := r.requestLogger(req, correlationID)
	defer r.recoverStatus(w, log, correlationID)

	var payload branchPayload
	if err := decodeBody(req, &payload); err != nil {
		r.rejectStatus(w, log, err, correlationID)
		return
	}
	branch, err := domain.NewBranchRequest(payload.BranchName)
	if err != nil {
		r.rejectStatus(w, log, err, correlationID)
		return
	}
	if r.provision == nil {
		writeStatusError(w, http.StatusInternalServerError, "Configuration error: provisioning service is not configured", correlationID)
		return
	}
	if msg, exceeded := r.branchQuotaExceeded(w, req, provision.WorkflowName, branch.BranchName); exceeded {
		writeStatusError(w, http.StatusTooManyRequests, msg, correlationID)
		return
	}
	log.Info("provisioning request accepted", "branch_name", branch.BranchName)
	result := r.provision.Provision(detached(req), branch, correlationID)
	result.CorrelationID = correlationID
	r.recordOutcome(provision.WorkflowName, string(result.Status))
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleDeprovision(w http.ResponseWriter, req *http.Request) {
	correlationID := deprovision.NewCorrelationID(r.now())
	w.Header().Set(correlationHeader, correlationID)
	log := r.requestLogger(req, correlationID)
	defer r.recoverStatus(w, log, correlationID)

	var payload branchPayload
	if err := decodeBody(req, &payload); err != nil {
		r.rejectStatus(w, log, err, correlationID)
		return
	}
	branch, err := domain.NewBranchRequest(payload.BranchName)
	if err != nil {
		r.rejectStatus(w, log, err, correlationID)
		return
	}
	if r.deprovision == nil {
		writeStatusError(w, http.StatusInternalServerError, "Configuration error: deprovisioning service is not configured", correlationID)
		return
	}
	if msg, exceeded := r.branchQuotaExceeded(w, req, deprovision.WorkflowName, branch.BranchName); exceeded {
		writeStatusError(w, http.StatusTooManyRequests, msg, correlationID)
		return
	}
	log.Info("deprovisioning request accepted", "branch_name", branch.BranchName)
	result, err := r.deprovision.Deprovision(detached(req), branch, correlationID)
	if errors.Is(err, domain.ErrValidation) {
		log.Warn("deprovisioning refused", "error", err)
		writeStatusError(w, http.StatusBadRequest, err.Error(), correlationID)
		return
	}
	if err != nil {
		log.Error("deprovisioning failed unexpectedly", "error", err)
		writeStatusError(w, http.StatusInternalServerError, "Internal server error", correlationID)
		return
	}
	result.CorrelationID = correlationID
	r.recordOutcome(deprovision.WorkflowName, string(result.Status))
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	var payload deployPayload
	if err := decodeBody(req, &payload); err != nil {
		if errors.Is(err, errBodyRequired) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}
	dr, err := domain.NewDeploymentRequest(payload.BranchName, payload.CommitSHA)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}
	correlationID := deploy.NewCorrelationID(dr.BranchName, r.now())
	w.Header().Set(correlationHeader, correlationID)
	log := r.requestLogger(req, correlationID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("deploy handler panicked", "panic", fmt.Sprint(rec))
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
	}()
	if r.deploy == nil {
		writeError(w, http.StatusInternalServerError, "Configuration error: deployment service is not configured")
		return
	}
	if msg, exceeded := r.branchQuotaExceeded(w, req, deploy.WorkflowName, dr.BranchName); exceeded {
		writeError(w, http.StatusTooManyRequests, msg)
		return
	}
	log.Info("deployment request accepted", "branch_name", dr.BranchName, "commit_sha", dr.CommitSHA)
	result := r.deploy.Deploy(detached(req), dr, correlationID)
	result.CorrelationID = correlationID
	status := http.StatusOK
	outcome := string(domain.StatusSuccess)
	if !result.Success {
		status = http.StatusInternalServerError
		outcome = string(domain.StatusError)
	}
	r.recordOutcome(deploy.WorkflowName, outcome)
	writeJSON(w, status, result)
}

func (r *Router) rejectStatus(w http.ResponseWriter, log *slog.Logger, err error, correlationID string) {
	log.Warn("request rejected", "error", err)
	switch {
	case errors.Is(err, errBodyRequired):
		writeStatusError(w, http.StatusBadRequest, err.Error(), correlationID)
	case errors.Is(err, domain.ErrValidation):
		writeStatusError(w, http.StatusBadRequest, "Invalid request: "+err.Error(), correlationID)
	default:
		writeStatusError(w, http.StatusBadRequest, err.Error(), correlationID)
	}
}

func (r *Router) recoverStatus(w http.ResponseWriter, log *slog.Logger, correlationID string) {
	if rec := recover(); rec != nil {
		log.Error("handler panicked", "panic", fmt.Sprint(rec))
		writeStatusError(w, http.StatusInternalServerError, "Internal server error", correlationID)
	}
}

func (r *Router) requestLogger(req *http.Request, correlationID string) *slog.Logger {
	log := r.logger.With("correlation_id", correlationID)
	if info, ok := callerFromContext(req.Context()); ok {
		log = log.With("caller", info.ID)
	}
	return log
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "preview-provisioner"})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any, len(r.checks))
	status := "ok"
	for name, check := range r.checks {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.URL.Path
		if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		caller := "anonymous"
		if info, ok := callerFromContext(ctx); ok {
			caller = info.ID
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"caller", caller,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if id := recorder.Header().Get(correlationHeader); id != "" {
			fields = append(fields, "correlation_id", id)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// detached keeps the request values but not its cancellation: a workflow that has started
// changing cloud resources runs to completion under its own step timeouts.
func detached(req *http.Request) context.Context {
	return context.WithoutCancel(req.Context())
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
