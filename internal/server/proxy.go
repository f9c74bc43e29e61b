package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/dispatcher"
)

// bodyPool reuses buffers for request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// readRequestBody reads the request body via bodyPool and returns the raw
// bytes, writing a 400 and returning false on error. Bodies are carried
// opaquely end to end (spec §4.E Non-goals: no cross-schema translation),
// so handlers do not unmarshal into a typed request struct -- only specific
// fields (model, stream) are plucked out with gjson where needed.
func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyPool.Put(buf)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return nil, false
	}
	if !json.Valid(buf.Bytes()) {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return nil, false
	}
	// Copy out of the pooled buffer before it is reused by the next caller.
	body := make([]byte, buf.Len())
	copy(body, buf.Bytes())
	return body, true
}

// handleChatCompletions serves POST /v1/chat/completions (spec §6): OpenAI-kind
// chat, auto-selecting an OpenAI-kind group.
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, kestrel.KindOpenAI, "/chat/completions")
}

// handleResponses serves POST /v1/responses (spec §6): OpenAI Responses API.
func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, kestrel.KindOpenAI, "/responses")
}

// handleMessages serves POST /v1/messages (spec §6): Anthropic-kind.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, kestrel.KindAnthropic, "/messages")
}

// handleGemini serves POST /v1beta/models/{model}:{action} (spec §6):
// generateContent (non-streaming) and streamGenerateContent. The model and
// action are both embedded in a single chi path segment, matching Gemini's
// own native route pattern.
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	action := chi.URLParam(r, "action")
	if !isValidParam(model) || !isValidParam(action) {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}

	var endpoint string
	var streaming bool
	switch action {
	case "generateContent":
		endpoint = "/models/" + model + ":generateContent"
	case "streamGenerateContent":
		endpoint = "/models/" + model + ":streamGenerateContent"
		streaming = true
	default:
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}

	s.dispatchModel(w, r, kestrel.KindGemini, endpoint, model, streaming)
}

// dispatch reads the body, extracts the requested model (OpenAI/Anthropic
// carry it as a top-level JSON field) and the streaming flag, and hands the
// request to the dispatcher.
func (s *server) dispatch(w http.ResponseWriter, r *http.Request, kind kestrel.ProviderKind, endpoint string) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	model := gjson.GetBytes(body, "model").String()
	streaming := gjson.GetBytes(body, "stream").Bool()
	s.runDispatch(w, r, kind, endpoint, model, body, streaming)
}

// dispatchModel is like dispatch but the model is already known from the
// URL (Gemini carries it in the path, not the body).
func (s *server) dispatchModel(w http.ResponseWriter, r *http.Request, kind kestrel.ProviderKind, endpoint, model string, streaming bool) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	s.runDispatch(w, r, kind, endpoint, model, body, streaming)
}

func (s *server) runDispatch(w http.ResponseWriter, r *http.Request, kind kestrel.ProviderKind, endpoint, model string, body []byte, streaming bool) {
	identity := kestrel.IdentityFromContext(r.Context())
	if identity == nil || identity.ProxyKeyID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse(kestrel.ErrUnauthorized.Error()))
		return
	}
	proxyKey, err := s.deps.Keys.ProxyKeyByID(identity.ProxyKeyID)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}

	req := &dispatcher.Request{
		ProxyKey:     proxyKey,
		ProviderKind: kind,
		Endpoint:     endpoint,
		Model:        model,
		Body:         body,
		IsStreaming:  streaming,
		ClientIP:     clientIP(r),
		UserAgent:    r.UserAgent(),
	}

	resp, err := s.deps.Dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		s.writeDispatchError(w, r, err)
		return
	}
	writeUpstreamResponse(w, resp)
}

// upstreamBodyError is implemented by dispatcher errors that carry the
// terminal upstream response verbatim, rather than a synthesized error
// envelope (spec §7 UpstreamRejected: "propagate upstream status and body").
type upstreamBodyError interface {
	HTTPStatus() int
	UpstreamHeaders() http.Header
	UpstreamBody() []byte
}

// writeDispatchError maps a dispatcher error to an HTTP status (spec §7)
// and writes a sanitized JSON body. Cancelled requests get no response
// beyond whatever already streamed (spec §4.E cancellation semantics).
func (s *server) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if ue, ok := err.(upstreamBodyError); ok {
		writeUpstreamResponse(w, &dispatcher.Response{
			StatusCode: ue.HTTPStatus(),
			Headers:    ue.UpstreamHeaders(),
			Body:       ue.UpstreamBody(),
		})
		return
	}
	status := errorStatus(err)
	slog.LogAttrs(r.Context(), slog.LevelWarn, "dispatch error",
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	if status == http.StatusTooManyRequests {
		writeRateLimitError(w, err)
		return
	}
	writeJSON(w, status, errorResponse(err.Error()))
}

// writeUpstreamResponse writes the dispatcher's response verbatim: status,
// headers (minus hop-by-hop), and body (spec §4.E "return upstream bytes to
// the client verbatim"). Streaming responses carry Content-Type:
// text/event-stream, set by the upstream or by fake-stream transcoding.
func writeUpstreamResponse(w http.ResponseWriter, resp *dispatcher.Response) {
	h := w.Header()
	for k, v := range resp.Headers {
		if _, hop := hopByHop[k]; hop {
			continue
		}
		h[k] = v
	}
	if resp.IsStreaming {
		h["Content-Type"] = sseHeaders
		h["Cache-Control"] = sseCacheControl
		h["Connection"] = sseConnection
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// hopByHop headers stripped from the upstream response before relaying it
// to the client (RFC 7230 §6.1).
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {}, // recomputed by net/http from the buffered body
}

// clientIP extracts the caller's address for request-log attribution,
// preferring the first X-Forwarded-For hop (set by an upstream load
// balancer) and falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return xff[:i]
		}
		return xff
	}
	return r.RemoteAddr
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, kestrel.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, kestrel.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, kestrel.ErrNoEligibleGroup), errors.Is(err, kestrel.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, kestrel.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, kestrel.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, kestrel.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, kestrel.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, kestrel.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	var httpErr kestrel.HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
