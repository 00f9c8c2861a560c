// Package gateway is the authority-enforcement reverse proxy. Every
// request passes a fixed pipeline: authenticate, replay defense,
// mandate lookup, scope validation, budget check, forward, meter.
// Any stage may terminate the request; stages before the forward are
// strictly fail-closed.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/caracal-dev/caracal/pkg/budget"
	"github.com/caracal-dev/caracal/pkg/ledger"
	"github.com/caracal-dev/caracal/pkg/mandate"
	"github.com/caracal-dev/caracal/pkg/money"
	"github.com/caracal-dev/caracal/pkg/observability"
)

// DefaultUpstreamTimeout bounds the forwarded call.
const DefaultUpstreamTimeout = 30 * time.Second

// proxyAction is the mandate operation every forwarded call maps to.
const proxyAction = "call"

// MandateSource is the slice of the mandate manager the gateway needs.
type MandateSource interface {
	Get(id string) *mandate.Record
	Authorize(rec *mandate.Record, action, resource string) error
}

// BudgetChecker runs a budget decision; the evaluator satisfies it.
type BudgetChecker interface {
	Check(principalID string, estimate decimal.Decimal, ref time.Time) (*budget.Decision, error)
}

// EventAppender is the write side of the ledger.
type EventAppender interface {
	Append(ev *ledger.Event) (uint64, error)
}

// ChargeReleaser settles provisional charges after metering.
type ChargeReleaser interface {
	Release(chargeID string, finalEventID uint64) error
}

// Deps are the collaborators the gateway composes.
type Deps struct {
	Auth     Authenticator
	Mandates MandateSource
	Budget   BudgetChecker
	Ledger   EventAppender
	Charges  ChargeReleaser
	// Replay is optional; a nil guard disables replay defense.
	Replay *ReplayGuard
}

// Config tunes the gateway.
type Config struct {
	UpstreamTimeout time.Duration
	CacheCapacity   int
	CacheTTL        time.Duration
}

// Gateway is the pipeline proxy plus its admin surface.
type Gateway struct {
	deps    Deps
	cache   *PolicyCache
	limiter *RateLimiter
	client  *http.Client
	timeout time.Duration
	stats   Stats
	metrics *Metrics
	promReg *prometheus.Registry
	obs     *observability.Provider
	// storeDown is flipped by stage 5 outcomes; it drives the health
	// endpoint's degraded reporting.
	storeDown atomic.Bool
	clock     func() time.Time
	logger    *slog.Logger
}

// New builds a gateway over its collaborators.
func New(deps Deps, cfg Config) *Gateway {
	timeout := cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	return &Gateway{
		deps:    deps,
		cache:   NewPolicyCache(cfg.CacheCapacity, cfg.CacheTTL),
		client:  &http.Client{},
		timeout: timeout,
		clock:   time.Now,
		logger:  slog.Default().With("component", "gateway"),
	}
}

// WithRateLimiter installs a per-principal rate limiter.
func (g *Gateway) WithRateLimiter(l *RateLimiter) *Gateway {
	g.limiter = l
	return g
}

// WithMetrics installs Prometheus collectors and enables /metrics.
func (g *Gateway) WithMetrics(reg *prometheus.Registry) *Gateway {
	g.promReg = reg
	g.metrics = NewMetrics(reg)
	return g
}

// WithObservability installs the OTel provider; each request then runs
// inside a traced operation with per-stage span events and RED metrics.
func (g *Gateway) WithObservability(p *observability.Provider) *Gateway {
	g.obs = p
	return g
}

// WithClock overrides the clock for testing.
func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

// WithUpstreamClient overrides the forwarding HTTP client.
func (g *Gateway) WithUpstreamClient(client *http.Client) *Gateway {
	g.client = client
	return g
}

// Cache exposes the policy decision cache for invalidation hooks.
func (g *Gateway) Cache() *PolicyCache {
	return g.cache
}

// Handler returns the gateway's full HTTP surface: admin endpoints plus
// the catch-all proxy.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/stats", g.handleStats)
	mux.HandleFunc("/metrics", g.handleMetrics)
	mux.HandleFunc("/", g.handleProxy)
	return mux
}

// handleProxy wraps the pipeline in a traced operation when an OTel
// provider is installed. 5xx outcomes are recorded as errors.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	if g.obs == nil {
		g.runPipeline(w, r)
		return
	}

	ctx, finish := g.obs.TrackOperation(r.Context(), "gateway.request",
		observability.AttrProxyTarget.String(r.Header.Get("X-Target-URL")),
	)
	sw := &statusWriter{ResponseWriter: w}
	g.runPipeline(sw, r.WithContext(ctx))
	if sw.status >= http.StatusInternalServerError {
		finish(fmt.Errorf("gateway: request failed with status %d", sw.status))
	} else {
		finish(nil)
	}
}

// statusWriter records the final status code for telemetry.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// runPipeline runs the request pipeline. Stages 1 through 5 are
// fail-closed: any unhandled failure denies without forwarding.
func (g *Gateway) runPipeline(w http.ResponseWriter, r *http.Request) {
	g.stats.total.Add(1)
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic in request pipeline", "panic", rec)
			g.stats.denied.Add(1)
			WriteInternal(w, fmt.Errorf("panic: %v", rec))
		}
	}()

	// Stage 1: authenticate.
	identity, err := g.deps.Auth.Authenticate(r)
	if err != nil {
		g.stats.authFailures.Add(1)
		g.metrics.countAuthFailure()
		g.metrics.countOutcome("auth_failure")
		WriteUnauthorized(w)
		return
	}
	observability.AddSpanEvent(r.Context(), "authenticated",
		observability.AttrPrincipalID.String(identity.PrincipalID))

	if !g.limiter.Allow(identity.PrincipalID) {
		g.metrics.countOutcome("rate_limited")
		WriteTooManyRequests(w, 1)
		return
	}

	// Stage 2: replay defense, when a guard is installed.
	if g.deps.Replay != nil {
		if err := g.deps.Replay.Check(r); err != nil {
			switch {
			case errors.Is(err, ErrNonceReused), errors.Is(err, ErrTimestampOutOfWindow):
				g.stats.replayBlocks.Add(1)
				g.metrics.countReplayBlock()
				g.metrics.countOutcome("replay_blocked")
				WriteForbidden(w, err.Error())
			default:
				g.metrics.countOutcome("error")
				WriteUnavailable(w, "replay defense unavailable")
			}
			return
		}
	}

	// Stage 3: mandate lookup.
	mandateID := r.Header.Get("X-Mandate-ID")
	rawTarget := r.Header.Get("X-Target-URL")
	if mandateID == "" || rawTarget == "" {
		WriteBadRequest(w, "X-Mandate-ID and X-Target-URL headers are required")
		return
	}
	target, err := url.Parse(rawTarget)
	if err != nil || !target.IsAbs() {
		WriteBadRequest(w, "X-Target-URL must be an absolute URL")
		return
	}

	rec := g.deps.Mandates.Get(mandateID)
	if rec == nil {
		g.deny(w, "mandate not found")
		return
	}
	if rec.SubjectID != identity.PrincipalID {
		g.deny(w, "mandate not held by caller")
		return
	}
	if rec.Revoked {
		g.deny(w, "mandate revoked")
		return
	}
	now := g.clock().UTC()
	if now.After(rec.ExpiresAt) {
		g.deny(w, "mandate expired")
		return
	}

	// Stage 4: scope validation.
	resource := rawTarget
	if err := g.deps.Mandates.Authorize(rec, proxyAction, resource); err != nil {
		g.deny(w, err.Error())
		return
	}
	observability.AddSpanEvent(r.Context(), "scope.authorized",
		observability.AuthzOperation(identity.PrincipalID, mandateID, proxyAction, resource, "allow")...)

	// Stage 5: budget check, falling back to the decision cache when
	// the policy store is unreachable.
	estimate := decimal.Zero
	if raw := r.Header.Get("X-Estimated-Cost"); raw != "" {
		estimate, err = money.ParsePrice(raw)
		if err != nil || estimate.IsNegative() {
			WriteBadRequest(w, "X-Estimated-Cost must be a non-negative decimal")
			return
		}
	}

	var charge *chargeRef
	currency := "USD"
	degradedAge := time.Duration(-1)
	decision, err := g.deps.Budget.Check(identity.PrincipalID, estimate, now)
	if err != nil {
		g.storeDown.Store(true)
		cached := g.cache.Get(identity.PrincipalID, resource)
		if cached == nil {
			g.metrics.countOutcome("unavailable")
			g.stats.denied.Add(1)
			WriteUnavailable(w, "policy service unavailable and no cached decision")
			return
		}
		if !cached.Allowed {
			g.deny(w, "denied (cached decision)")
			return
		}
		age, _ := g.cache.Age(identity.PrincipalID, resource)
		degradedAge = age
		g.stats.degraded.Add(1)
		observability.AddSpanEvent(r.Context(), "budget.degraded",
			observability.ProxyOperation(identity.PrincipalID, rawTarget, true)...)
		g.logger.Warn("serving degraded-mode decision from cache",
			"principal_id", identity.PrincipalID, "resource", resource, "cache_age", age)
	} else {
		g.storeDown.Store(false)
		if !decision.Allowed {
			g.deny(w, decision.Reason)
			return
		}
		if decision.Currency != "" {
			currency = decision.Currency
		}
		if decision.Charge != nil {
			charge = &chargeRef{id: decision.Charge.ID}
		}
		g.cache.Put(identity.PrincipalID, resource, true, mandateID, nil)
		observability.AddSpanEvent(r.Context(), "budget.allowed",
			observability.BudgetOperation(identity.PrincipalID, "",
				decision.Remaining.String(), currency)...)
	}

	// Stage 6: forward.
	resp, body, err := g.forward(r, target)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			g.metrics.countOutcome("upstream_timeout")
			WriteUpstreamTimeout(w)
		} else {
			g.metrics.countOutcome("upstream_error")
			WriteUpstreamError(w, "upstream request failed")
		}
		return
	}

	// Stage 7: meter. The upstream call already happened; failures here
	// are loud but never change the response.
	g.meter(r, resp, body, identity.PrincipalID, estimate, currency, charge)

	// Stage 8: return.
	g.stats.allowed.Add(1)
	g.metrics.countOutcome("allowed")
	copyHeaders(w.Header(), resp.Header)
	if degradedAge >= 0 {
		w.Header().Set("X-Degraded-Mode", "true")
		w.Header().Set("X-Cache-Age", strconv.Itoa(int(degradedAge.Seconds())))
		w.Header().Set("X-Cache-Warning", "decision served from cache; policy store unreachable")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

type chargeRef struct {
	id string
}

func (g *Gateway) deny(w http.ResponseWriter, reason string) {
	g.stats.denied.Add(1)
	g.metrics.countOutcome("denied")
	WriteForbidden(w, reason)
}

// forward sends the request upstream with control headers stripped and
// collects the response body so its size is known for metering.
func (g *Gateway) forward(r *http.Request, target *url.URL) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, nil, err
	}
	for name, values := range r.Header {
		if stripHeader(name) {
			continue
		}
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}

	start := g.clock()
	resp, err := g.client.Do(out)
	g.metrics.observeUpstream(time.Since(start).Seconds())
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

// stripHeader reports whether a request header stays inside the trust
// boundary instead of being forwarded upstream.
func stripHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	if strings.HasPrefix(canonical, "X-Caracal-") {
		return true
	}
	switch canonical {
	case "X-Mandate-Id", "X-Target-Url", "X-Nonce", "X-Timestamp",
		"X-Estimated-Cost", "X-Resource-Type", "X-Api-Key", "Authorization":
		return true
	}
	return false
}

// meter writes the final ledger event and settles the provisional
// charge. Cost precedence: upstream X-Actual-Cost, then the estimate,
// then the response byte count metered as bytes_out. Currency comes
// from the budget decision that admitted the request.
func (g *Gateway) meter(r *http.Request, resp *http.Response, body []byte, principalID string, estimate decimal.Decimal, currency string, charge *chargeRef) {
	resourceType := r.Header.Get("X-Resource-Type")
	quantity := decimal.NewFromInt(1)
	var cost decimal.Decimal

	switch {
	case resp.Header.Get("X-Actual-Cost") != "":
		actual, err := money.ParsePrice(resp.Header.Get("X-Actual-Cost"))
		if err != nil || actual.IsNegative() {
			g.logger.Warn("unusable X-Actual-Cost from upstream, falling back to estimate",
				"value", resp.Header.Get("X-Actual-Cost"), "error", err)
			cost = estimate
		} else {
			cost = actual
		}
	case estimate.IsPositive():
		cost = estimate
	default:
		cost = decimal.NewFromInt(int64(len(body)))
		quantity = decimal.NewFromInt(int64(len(body)))
		if resourceType == "" {
			resourceType = "bytes_out"
		}
	}
	if resourceType == "" {
		resourceType = "api_call"
	}

	ev := &ledger.Event{
		PrincipalID:  principalID,
		ResourceType: resourceType,
		Quantity:     quantity,
		Cost:         cost,
		Currency:     currency,
		Metadata:     map[string]string{"target": r.Header.Get("X-Target-URL")},
	}
	if charge != nil {
		ev.ChargeID = charge.id
	}

	eventID, err := g.deps.Ledger.Append(ev)
	if err != nil {
		observability.SetSpanStatus(r.Context(), err)
		g.logger.Error("METERING FAILED, upstream call already completed",
			"principal_id", principalID, "cost", cost, "error", err)
		return
	}
	observability.AddSpanEvent(r.Context(), "metered",
		observability.MeterOperation(principalID, resourceType, cost.String())...)
	if charge != nil {
		if err := g.deps.Charges.Release(charge.id, eventID); err != nil {
			g.logger.Error("charge release failed after metering",
				"charge_id", charge.id, "event_id", eventID, "error", err)
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
