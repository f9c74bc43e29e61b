package server

// Pre-allocated header value slices for streamed (SSE) responses. Direct map
// assignment in writeUpstreamResponse avoids the []string{v} alloc that
// Header.Set creates on every call.
//
// The dispatcher fully buffers upstream bodies -- including "real" streaming
// upstreams and fake-streamed ones alike (spec §4.E) -- before returning a
// Response, so the ingress layer never writes SSE frames incrementally; it
// only needs to set the right headers before writing the buffered body in
// one shot.
var (
	sseHeaders      = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
)
