// Package provider holds transport-level helpers shared by the dispatcher
// and health scanner: NewTransport for HTTP client setup and AuthHeader for
// per-kind credential placement.
package provider

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 to true for remote HTTPS APIs, false
// for local HTTP/1.1 servers (e.g. Ollama).
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// AuthHeader returns the (header name, value prefix) an upstream of the given
// kind expects its API key in, varying by kind and cloud hosting mode.
func AuthHeader(kind kestrel.ProviderKind, hosting string) (header, prefix string) {
	switch {
	case kind == kestrel.KindOpenAI && hosting == "azure":
		return "api-key", ""
	case kind == kestrel.KindOpenAI:
		return "Authorization", "Bearer "
	case kind == kestrel.KindAnthropic:
		return "x-api-key", ""
	case kind == kestrel.KindGemini:
		return "x-goog-api-key", ""
	default:
		return "Authorization", "Bearer "
	}
}
