package provider

import (
	"testing"

	kestrel "github.com/kestrelproxy/kestrel/internal"
)

func TestNewTransport(t *testing.T) {
	t.Parallel()

	tr := NewTransport(nil, true)
	if !tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be true")
	}
	if tr.DialContext != nil {
		t.Error("DialContext should be nil without a resolver")
	}

	tr = NewTransport(nil, false)
	if tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be false")
	}
}

func TestAuthHeader(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		kind       kestrel.ProviderKind
		hosting    string
		wantHeader string
		wantPrefix string
	}{
		{"openai", kestrel.KindOpenAI, "", "Authorization", "Bearer "},
		{"azure openai", kestrel.KindOpenAI, "azure", "api-key", ""},
		{"anthropic", kestrel.KindAnthropic, "", "x-api-key", ""},
		{"gemini", kestrel.KindGemini, "", "x-goog-api-key", ""},
		{"unknown kind falls back to bearer", kestrel.ProviderKind("custom"), "", "Authorization", "Bearer "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			header, prefix := AuthHeader(tc.kind, tc.hosting)
			if header != tc.wantHeader || prefix != tc.wantPrefix {
				t.Errorf("AuthHeader(%v, %q) = (%q, %q), want (%q, %q)",
					tc.kind, tc.hosting, header, prefix, tc.wantHeader, tc.wantPrefix)
			}
		})
	}
}
