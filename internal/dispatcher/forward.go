package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/provider"
)

// minConnectTimeout is the floor spec §4.E prescribes for the connect phase,
// applied independently of the group's configured response timeout.
const minConnectTimeout = 30 * time.Second

// buildUpstreamRequest assembles the outbound request for one attempt: the
// group's base URL plus the caller-resolved endpoint, the group's static
// headers, provider-appropriate auth, and the (already override-merged)
// body. Bodies are carried as opaque bytes throughout (no cross-schema
// translation, spec §4.E Non-goals).
func buildUpstreamRequest(ctx context.Context, g *kestrel.Group, endpoint, apiKey string, body []byte) (*http.Request, error) {
	target := g.BaseURL + endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range g.Headers {
		req.Header.Set(k, v)
	}

	applyAuth(req, g.Kind, g.Hosting, apiKey)
	return req, nil
}

// applyAuth places the upstream key exactly where spec §4.E's selection
// algorithm prescribes per provider kind: Bearer header for OpenAI-kind,
// x-api-key + anthropic-version for Anthropic, and a key= query parameter
// for Gemini. Cloud-hosted groups (vertex, bedrock) authenticate at the
// transport level instead (see clientFor) and carry no per-request key.
func applyAuth(req *http.Request, kind kestrel.ProviderKind, hosting, apiKey string) {
	switch {
	case hosting == "vertex" || hosting == "bedrock":
		return
	}
	switch kind {
	case kestrel.KindGemini:
		q := req.URL.Query()
		q.Set("key", apiKey)
		req.URL.RawQuery = q.Encode()
	case kestrel.KindAnthropic:
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	default:
		header, prefix := provider.AuthHeader(kind, hosting)
		req.Header.Set(header, prefix+apiKey)
	}
}

// attemptResult is the raw outcome of one upstream HTTP call, before
// classification.
type attemptResult struct {
	statusCode int
	headers    http.Header
	body       []byte
	err        error
}

// doAttempt executes one upstream HTTP call with the combined deadline the
// spec prescribes: min(ctx deadline, responseTimeout), with connect timeout
// handled by the client's transport (clamped to at least minConnectTimeout
// by Dispatcher.clientFor when it builds the client). Non-streaming bodies
// are read in full since both the opaque-passthrough and fake-stream paths
// need the complete upstream payload.
func doAttempt(ctx context.Context, client *http.Client, req *http.Request, responseTimeout time.Duration) attemptResult {
	callCtx := ctx
	var cancel context.CancelFunc
	if responseTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, responseTimeout)
		defer cancel()
	}
	req = req.WithContext(callCtx)

	resp, err := client.Do(req)
	if err != nil {
		return attemptResult{err: err}
	}
	defer resp.Body.Close()

	const maxResponseBody = 32 << 20
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return attemptResult{err: err}
	}
	return attemptResult{statusCode: resp.StatusCode, headers: resp.Header, body: data}
}

// parseProxyURL is a small helper shared with the health scanner's probe
// client construction.
func parseProxyURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}
