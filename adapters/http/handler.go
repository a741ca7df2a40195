// Package http provides the HTTP surface of the admission gate.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/meridiancrm/gatekeep/adapters/metrics"
	"github.com/meridiancrm/gatekeep/app"
	"github.com/meridiancrm/gatekeep/domain/admission"
	"github.com/meridiancrm/gatekeep/domain/credit"
	"github.com/meridiancrm/gatekeep/domain/usage"
)

// Identity headers. The gate sits behind the CRM's auth layer, which
// resolves the session and forwards the caller identity in headers.
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderUserID    = "X-User-ID"
	HeaderRole      = "X-Role"
	HeaderOperation = "X-Operation-Type"
)

// Response headers set by the gate.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
	HeaderCreditsRemaining   = "X-Credits-Remaining"
	HeaderAdmissionFallback  = "X-Admission-Fallback"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error            string `json:"error"`
	Message          string `json:"message,omitempty"`
	CurrentUsage     int64  `json:"currentUsage,omitempty"`
	Limit            int64  `json:"limit,omitempty"`
	ResetAt          string `json:"resetAt,omitempty"`
	QuotaExceeded    bool   `json:"quotaExceeded,omitempty"`
	CreditsRequired  int64  `json:"creditsRequired,omitempty"`
	CreditsRemaining int64  `json:"creditsRemaining,omitempty"`
}

// admittedBody is returned in gate-only mode (no upstream configured).
type admittedBody struct {
	Status       string `json:"status"`
	FallbackUsed bool   `json:"fallbackUsed,omitempty"`
	BypassReason string `json:"bypassReason,omitempty"`
}

// GateHandler admits, meters, and forwards requests.
type GateHandler struct {
	service  *app.AdmissionService
	upstream Upstream // nil in gate-only mode
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// NewGateHandler creates a new gate handler.
func NewGateHandler(service *app.AdmissionService, upstream Upstream, logger zerolog.Logger, m *metrics.Collector) *GateHandler {
	return &GateHandler{
		service:  service,
		upstream: upstream,
		logger:   logger,
		metrics:  m,
	}
}

// ServeHTTP runs the admission pipeline: identity, window evaluation,
// credit guard, then the upstream forward. Usage is recorded for every
// outcome, including rejections.
func (h *GateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	id, ok := extractIdentity(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Error:   "missing_tenant",
			Message: "X-Tenant-ID header is required",
		})
		return
	}

	endpoint := r.URL.Path

	// 1. Window evaluation (hourly, daily, monthly, short-circuit)
	decision := h.service.Evaluate(ctx, id, endpoint)
	if !decision.Allowed {
		h.writeRateLimited(w, decision, start)
		h.record(ctx, id, r, http.StatusTooManyRequests, start, recordFlags{rateLimited: true, message: decision.Message})
		h.logDenied(r, id, "rate_limit_exceeded", decision.Message)
		return
	}

	// 2. Credit guard
	result := h.service.VerifyAndConsume(ctx, id, operationType(r))
	if !result.Success {
		status := http.StatusServiceUnavailable
		code := "credit_system_error"
		msg := "credit consumption failed, please retry"
		body := errorBody{}
		if errors.Is(result.Err, credit.ErrInsufficient) {
			status = http.StatusPaymentRequired
			code = "insufficient_credits"
			msg = result.Err.Error()
			body.CreditsRequired = result.RequiredMinimum
			body.CreditsRemaining = result.CreditsRemaining
		}
		body.Error = code
		body.Message = msg
		writeJSON(w, status, body)
		h.record(ctx, id, r, status, start, recordFlags{quotaExceeded: status == http.StatusPaymentRequired, message: msg})
		h.logDenied(r, id, code, msg)
		return
	}

	// 3. Advisory headers on the admitted path
	setRateHeaders(w.Header(), decision, start)
	if result.HasRemaining {
		w.Header().Set(HeaderCreditsRemaining, strconv.FormatInt(result.CreditsRemaining, 10))
	}
	if result.FallbackUsed && result.BypassReason != "" {
		w.Header().Set(HeaderAdmissionFallback, result.BypassReason)
	}

	// 4. Forward or acknowledge
	status := http.StatusOK
	if h.upstream != nil {
		resp, err := h.upstream.Forward(ctx, r)
		if err != nil {
			h.logger.Error().Err(err).Str("path", endpoint).Msg("upstream error")
			h.metrics.UpstreamErrors.WithLabelValues("forward").Inc()
			status = http.StatusBadGateway
			writeJSON(w, status, errorBody{Error: "upstream_error", Message: "Upstream request failed"})
			h.record(ctx, id, r, status, start, recordFlags{message: "upstream error"})
			return
		}
		h.metrics.UpstreamDuration.WithLabelValues(r.Method, statusLabel(resp.Status)).
			Observe(float64(resp.LatencyMs) / 1000)

		copyHeaders(w.Header(), resp.Headers)
		status = resp.Status
		w.WriteHeader(status)
		if len(resp.Body) > 0 {
			if _, err := w.Write(resp.Body); err != nil {
				h.logger.Error().Err(err).Msg("failed to write response body")
			}
		}
	} else {
		writeJSON(w, status, admittedBody{
			Status:       "admitted",
			FallbackUsed: result.FallbackUsed,
			BypassReason: result.BypassReason,
		})
	}

	h.record(ctx, id, r, status, start, recordFlags{})
}

type recordFlags struct {
	rateLimited   bool
	quotaExceeded bool
	message       string
}

func (h *GateHandler) record(ctx context.Context, id app.Identity, r *http.Request, status int, start time.Time, flags recordFlags) {
	h.service.Record(ctx, usage.Record{
		TenantID:         id.TenantID,
		UserID:           id.UserID,
		Endpoint:         r.URL.Path,
		Method:           r.Method,
		StatusCode:       status,
		LatencyMs:        time.Since(start).Milliseconds(),
		WasRateLimited:   flags.rateLimited,
		WasQuotaExceeded: flags.quotaExceeded,
		ErrorMessage:     flags.message,
	})

	h.metrics.RequestsTotal.WithLabelValues(
		r.Method, metrics.NormalizeEndpoint(r.URL.Path), statusLabel(status), id.TenantID).Inc()
}

func (h *GateHandler) logDenied(r *http.Request, id app.Identity, code, msg string) {
	h.logger.Warn().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("tenant_id", id.TenantID).
		Str("user_id", id.UserID).
		Str("code", code).
		Str("detail", msg).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("request denied")
}

// writeRateLimited writes the 429 response with retry guidance.
func (h *GateHandler) writeRateLimited(w http.ResponseWriter, d admission.Decision, now time.Time) {
	setRateHeaders(w.Header(), d, now)
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:         admission.ReasonWindowExceeded,
		Message:       d.Message,
		CurrentUsage:  d.CurrentUsage,
		Limit:         d.Limit,
		ResetAt:       d.ResetAt.Format(time.RFC3339),
		QuotaExceeded: true,
	})
}

// setRateHeaders writes the rate limit headers from a decision.
// Remaining is already clamped to zero by the evaluator.
func setRateHeaders(hdr http.Header, d admission.Decision, now time.Time) {
	if d.Limit <= 0 {
		return
	}
	hdr.Set(HeaderRateLimitLimit, strconv.FormatInt(d.Limit, 10))
	hdr.Set(HeaderRateLimitRemaining, strconv.FormatInt(d.Remaining, 10))
	hdr.Set(HeaderRateLimitReset, d.ResetAt.Format(time.RFC3339))
	if !d.Allowed {
		secs := int64(d.ResetAt.Sub(now).Seconds())
		if secs < 0 {
			secs = 0
		}
		hdr.Set(HeaderRetryAfter, strconv.FormatInt(secs, 10))
	}
}

// extractIdentity reads the caller identity headers. The tenant is
// mandatory; user and role default to empty.
func extractIdentity(r *http.Request) (app.Identity, bool) {
	tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID))
	if tenantID == "" {
		return app.Identity{}, false
	}
	return app.Identity{
		TenantID: tenantID,
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Role:     strings.TrimSpace(r.Header.Get(HeaderRole)),
	}, true
}

// operationType resolves the credit cost table key for a request.
func operationType(r *http.Request) string {
	if op := strings.TrimSpace(r.Header.Get(HeaderOperation)); op != "" {
		return op
	}
	return strings.ToLower(r.Method)
}

func copyHeaders(dst http.Header, src http.Header) {
	for k, vals := range src {
		// Hop-by-hop headers must not be forwarded.
		lower := strings.ToLower(k)
		if lower == "connection" || lower == "keep-alive" || lower == "transfer-encoding" ||
			lower == "te" || lower == "trailers" || lower == "upgrade" {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// statusLabel returns a string label for the status code.
func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
