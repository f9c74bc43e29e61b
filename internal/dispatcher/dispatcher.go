// Package dispatcher implements the heart of the proxy (spec §4.E): model
// and key selection, RPM admission, the retry/failover loop bounded by a
// global per-request attempt budget, and outcome classification that feeds
// back into the key-state store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/circuitbreaker"
	"github.com/kestrelproxy/kestrel/internal/cloudauth"
	"github.com/kestrelproxy/kestrel/internal/keystate"
	"github.com/kestrelproxy/kestrel/internal/logpipeline"
	"github.com/kestrelproxy/kestrel/internal/provider"
	"github.com/kestrelproxy/kestrel/internal/snapshot"
)

// Response is a completed upstream attempt's result, handed back to the
// ingress layer verbatim (spec §4.E: "return upstream bytes to the client
// verbatim").
type Response struct {
	StatusCode  int
	Headers     http.Header
	Body        []byte
	IsStreaming bool
}

// Request is the dispatcher's public input (spec §4.E Public contract).
type Request struct {
	ProxyKey     *kestrel.ProxyKey
	ProviderKind kestrel.ProviderKind
	Endpoint     string // schema-specific upstream path, chosen by the ingress layer
	Model        string // requested model, pre-alias-resolution
	Body         []byte
	IsStreaming  bool
	ClientIP     string
	UserAgent    string
}

// Dispatcher ties the routing snapshot, key-state store, and log pipeline
// together behind the single dispatch() entry point.
type Dispatcher struct {
	snapshot *snapshot.Publisher
	keyState *keystate.Store
	logs     *logpipeline.Pipeline

	groupCursors *cursors // keyed by proxy-key ID
	keyCursors   *cursors // keyed by group ID

	breakers *circuitbreaker.Registry // keyed by group ID

	clientsMu sync.RWMutex
	clients   map[string]*http.Client // keyed by group ID
}

// New constructs a Dispatcher.
func New(snap *snapshot.Publisher, ks *keystate.Store, logs *logpipeline.Pipeline) *Dispatcher {
	return &Dispatcher{
		snapshot:     snap,
		keyState:     ks,
		logs:         logs,
		groupCursors: newCursors(),
		keyCursors:   newCursors(),
		breakers:     circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		clients:      make(map[string]*http.Client),
	}
}

// Dispatch is the dispatcher's sole public entry point.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	requestID := kestrel.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.Must(uuid.NewV7()).String()
	}
	start := time.Now()

	log := &kestrel.RequestLog{
		RequestID: requestID, ProxyKeyID: req.ProxyKey.ID, ProviderKind: req.ProviderKind,
		Model: req.Model, Method: http.MethodPost, Endpoint: req.Endpoint,
		RequestBody: req.Body, ClientIP: req.ClientIP, UserAgent: req.UserAgent,
		IsStreaming: req.IsStreaming, CreatedAt: start,
	}
	d.logs.Insert(log)

	resp, _, finalErr := d.run(ctx, req)

	update := &kestrel.RequestLog{
		RequestID: requestID, DurationMs: int(time.Since(start).Milliseconds()),
	}
	if resp != nil {
		update.StatusCode = resp.StatusCode
		update.ResponseBody = resp.Body
	}
	if finalErr != nil {
		update.ErrorMessage = finalErr.Error()
	}
	d.logs.Update(update)

	return resp, finalErr
}

// run performs the selection algorithm and the retry/failover loop (spec
// §4.E steps 1-5). It returns the completed response, the number of upstream
// attempts made, and the terminal error if every attempt was exhausted.
func (d *Dispatcher) run(ctx context.Context, req *Request) (*Response, int, error) {
	snap := d.snapshot.Current()

	resolvedModel := req.Model
	candidates := snap.GroupsFor(req.ProxyKey, req.ProviderKind, resolvedModel)
	if len(candidates) == 0 {
		if len(req.ProxyKey.PermittedGroups) > 0 && !snap.HasLivePermittedGroup(req.ProxyKey) {
			return nil, 0, kestrel.ErrForbidden
		}
		return nil, 0, kestrel.ErrNoEligibleGroup
	}

	pkSubject := "pk:" + req.ProxyKey.ID
	if ok, retryAfter := d.keyState.TryAcquireRPM(pkSubject, req.ProxyKey.RPMLimit); !ok {
		return nil, 0, rateLimitedError{retryAfter: retryAfter}
	}

	ordered := orderGroups(candidates, req.ProxyKey.GroupBalance, req.ProxyKey.GroupWeights, d.groupCursors, req.ProxyKey.ID)

	// The global attempt budget is fixed once, from the first candidate
	// group in policy order, and held constant regardless of which groups
	// are subsequently tried (spec.md's retryCount is stored per-group as a
	// "hint" but example 4's cross-group budget shows one scalar governing
	// the whole request; taking it from the entry-point group is the only
	// reading consistent with both the per-group storage and the
	// cross-group example).
	budget := ordered[0].Retry + 1

	// State machine (spec §4.E): Retry re-enters Pending on the same key,
	// NextKey re-enters on a different key, both decrement the global
	// budget; anything else is terminal and returns upstream bytes verbatim
	// (2xx included, but also the non-retriable 400/404/422 case -- the
	// classification table only says "otherwise return... verbatim", it
	// never singles out success).
	attempts := 0
	var lastErr error
	var lastResp *Response
	for gi := 0; gi < len(ordered) && attempts < budget; gi++ {
		g := ordered[gi]
		if !d.breakers.GetOrCreate(g.ID).Allow() {
			lastErr, lastResp = kestrel.ErrUpstreamUnavailable, nil
			continue // breaker open: skip straight to the next group without spending an attempt
		}
		liveKeys := snap.KeysOf(g.ID)
		if len(liveKeys) == 0 {
			continue
		}
		orderedKeys := orderKeys(liveKeys, g.Balance, d.keyCursors, g.ID)

		for ki := 0; ki < len(orderedKeys) && attempts < budget; {
			key := orderedKeys[ki]
			keyHash := kestrel.HashKey(key)

			keySubject := "key:" + g.ID + "|" + keyHash
			if ok, retryAfter := d.keyState.TryAcquireRPM(keySubject, g.RPMLimit); !ok {
				lastErr, lastResp = rateLimitedError{retryAfter: retryAfter}, nil
				ki++ // try next key, or next group if all keys rejected
				continue
			}

			resp, decision, attemptErr := d.attempt(ctx, g, key, keyHash, req)
			attempts++

			if errors.Is(attemptErr, context.Canceled) {
				return nil, attempts, fmt.Errorf("%w: %w", kestrel.ErrCancelled, attemptErr)
			}

			lastErr, lastResp = attemptErr, resp

			switch {
			case decision.RetrySameKey:
				continue // same ki, same key
			case decision.NextKey:
				ki++
				continue
			default:
				// Terminal: neither Retry nor NextKey.
				if attemptErr == nil {
					return resp, attempts, nil
				}
				return nil, attempts, attemptErr
			}
		}
	}

	return nil, attempts, classifyExhaustion(lastErr, lastResp)
}

// classifyExhaustion maps the final attempt's outcome to the terminal error
// kind spec §7 mandates once the attempt budget is spent without a terminal
// success or an immediately-final (non-retriable) response: a transport
// failure or a run of 5xx responses becomes the fixed upstreamUnavailableError
// (502), a deadline-exceeded transport failure becomes the fixed
// timeoutError (504), and a run of 4xx-class upstream responses (401, 403,
// 429 from the upstream itself) propagates the upstream's own last status
// and body verbatim as upstreamRejectedError. An error that already carries
// its own HTTP status (a per-(group,key) RPM rejection) is left as-is.
func classifyExhaustion(lastErr error, lastResp *Response) error {
	var httpErr kestrel.HTTPStatusError
	if errors.As(lastErr, &httpErr) {
		return lastErr
	}
	if lastErr != nil {
		if errors.Is(lastErr, context.DeadlineExceeded) {
			return timeoutError{}
		}
		var netErr net.Error
		if errors.As(lastErr, &netErr) && netErr.Timeout() {
			return timeoutError{}
		}
		return upstreamUnavailableError{}
	}
	if lastResp != nil && lastResp.StatusCode < 500 {
		return upstreamRejectedError{status: lastResp.StatusCode, headers: lastResp.Headers, body: lastResp.Body}
	}
	return upstreamUnavailableError{}
}

// attempt executes exactly one upstream HTTP call for (group, key),
// classifies the outcome, and records the key-state update (spec §4.E:
// "exactly one B update per attempt").
func (d *Dispatcher) attempt(ctx context.Context, g *kestrel.Group, key, keyHash string, req *Request) (*Response, Decision, error) {
	body := req.Body
	if resolved := g.ResolveModel(req.Model); resolved != "" {
		if rewritten, err := sjson.SetBytes(body, "model", resolved); err == nil {
			body = rewritten
		}
	}
	if len(g.ParamOverrides) > 0 {
		merged, err := ApplyOverrides(body, g.ParamOverrides)
		if err == nil {
			body = merged
		}
	}

	fakeStreaming := req.IsStreaming && g.FakeStreaming
	httpReq, err := buildUpstreamRequest(ctx, g, req.Endpoint, key, body)
	if err != nil {
		return nil, decisionGiveUp, err
	}

	client := d.clientFor(g)
	result := doAttempt(ctx, client, httpReq, g.ResponseTimeout)

	breaker := d.breakers.GetOrCreate(g.ID)

	if result.err != nil {
		if ctx.Err() != nil {
			return nil, decisionGiveUp, ctx.Err()
		}
		decision := ClassifyTransportError(ctx, result.err)
		breaker.RecordError(1)
		_ = d.keyState.RecordOutcome(ctx, g.ID, keyHash, g.Kind, keystate.OutcomeConnErr, 0, result.err.Error())
		d.keyState.RecordUse(ctx, g.ID, keyHash)
		return nil, decision, result.err
	}

	decision := ClassifyStatus(result.statusCode)
	if result.statusCode >= 500 {
		breaker.RecordError(1)
	} else {
		breaker.RecordSuccess()
	}
	d.keyState.RecordUse(ctx, g.ID, keyHash)
	_ = d.keyState.RecordOutcome(ctx, g.ID, keyHash, g.Kind, outcomeForStatus(result.statusCode), result.statusCode, "")

	respBody := result.body
	if decision.Success && fakeStreaming {
		respBody = FakeStreamOpenAI(result.body)
	}

	resp := &Response{
		StatusCode: result.statusCode, Headers: result.headers, Body: respBody,
		IsStreaming: fakeStreaming,
	}
	return resp, decision, nil
}

func outcomeForStatus(status int) keystate.Outcome {
	switch {
	case status >= 200 && status < 300:
		return keystate.OutcomeSuccess
	case status == 401 || status == 403:
		return keystate.OutcomeAuthFail
	case status == 429:
		return keystate.OutcomeRateLimit
	case status >= 500:
		return keystate.OutcomeServerErr
	default:
		return keystate.OutcomeRejected
	}
}

// clientFor returns (lazily constructing) the per-group HTTP client: the
// group's proxy settings, and a dial timeout clamped to the spec's 30s
// floor (spec §4.E: "Use HTTP connect-timeout separately (min 30s floor)").
func (d *Dispatcher) clientFor(g *kestrel.Group) *http.Client {
	d.clientsMu.RLock()
	c, ok := d.clients[g.ID]
	d.clientsMu.RUnlock()
	if ok {
		return c
	}

	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()
	if c, ok := d.clients[g.ID]; ok {
		return c
	}

	transport := provider.NewTransport(nil, true)
	connectTimeout := g.ConnectTimeout
	if connectTimeout < minConnectTimeout {
		connectTimeout = minConnectTimeout
	}
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	if g.Proxy != nil && g.Proxy.URL != "" {
		if u, err := parseProxyURL(g.Proxy.URL); err == nil && u != nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}

	client := &http.Client{Transport: d.wrapCloudAuth(g, transport)}
	d.clients[g.ID] = client
	return client
}

// wrapCloudAuth layers a cloud-provider signing transport around base for
// groups hosted on a managed cloud endpoint (spec.md's hosting field covers
// vertex and bedrock); other groups authenticate per-request via applyAuth
// and pass through unwrapped.
func (d *Dispatcher) wrapCloudAuth(g *kestrel.Group, base http.RoundTripper) http.RoundTripper {
	switch g.Hosting {
	case "vertex":
		t, err := cloudauth.NewGCPOAuthTransport(context.Background(), base, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			slog.Error("cloudauth: GCP ADC unavailable, group will fail open auth", "group_id", g.ID, "error", err)
			return base
		}
		return t
	case "bedrock":
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(g.Region))
		if err != nil {
			slog.Error("cloudauth: AWS credentials unavailable, group will fail open auth", "group_id", g.ID, "error", err)
			return base
		}
		return cloudauth.NewAWSSigV4Transport(base, cfg.Credentials, g.Region, "bedrock")
	default:
		return base
	}
}

// rateLimitedError carries the Retry-After duration for a RPM rejection
// (spec §4.E step 3, §7 error kinds).
type rateLimitedError struct {
	retryAfter time.Duration
}

func (e rateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.retryAfter)
}
func (e rateLimitedError) Unwrap() error             { return kestrel.ErrRateLimited }
func (e rateLimitedError) HTTPStatus() int           { return http.StatusTooManyRequests }
func (e rateLimitedError) RetryAfter() time.Duration { return e.retryAfter }

// upstreamRejectedError carries the last 4xx-class upstream response
// verbatim for the terminal UpstreamRejected case (spec §7: exhaustion on a
// run of 4xx responses propagates the upstream's own status and body,
// rather than a synthesized error envelope).
type upstreamRejectedError struct {
	status  int
	headers http.Header
	body    []byte
}

func (e upstreamRejectedError) Error() string                { return fmt.Sprintf("upstream rejected, status %d", e.status) }
func (e upstreamRejectedError) Unwrap() error                { return kestrel.ErrUpstreamRejected }
func (e upstreamRejectedError) HTTPStatus() int              { return e.status }
func (e upstreamRejectedError) UpstreamHeaders() http.Header { return e.headers }
func (e upstreamRejectedError) UpstreamBody() []byte         { return e.body }

// upstreamUnavailableError is the fixed 502 the attempt budget exhausts to
// after repeated 5xx responses or connect-level transport errors (spec §7
// UpstreamUnavailable).
type upstreamUnavailableError struct{}

func (upstreamUnavailableError) Error() string   { return "upstream unavailable: attempt budget exhausted" }
func (upstreamUnavailableError) Unwrap() error   { return kestrel.ErrUpstreamUnavailable }
func (upstreamUnavailableError) HTTPStatus() int { return http.StatusBadGateway }

// timeoutError is the fixed 504 the attempt budget exhausts to after
// repeated response-deadline-exceeded failures (spec §7 Timeout).
type timeoutError struct{}

func (timeoutError) Error() string   { return "upstream timed out: attempt budget exhausted" }
func (timeoutError) Unwrap() error   { return kestrel.ErrTimeout }
func (timeoutError) HTTPStatus() int { return http.StatusGatewayTimeout }
