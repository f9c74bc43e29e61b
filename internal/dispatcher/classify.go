package dispatcher

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Decision is the verdict the outcome classification table of spec §4.E
// reduces every attempt to. Success is broken out as its own field rather
// than relying on the zero value, since "valid" and "give up, no retry at
// all" both carry RetrySameKey=false/NextKey=false/Invalidate=false and
// would otherwise be indistinguishable.
type Decision struct {
	Success      bool
	RetrySameKey bool
	NextKey      bool
	Invalidate   bool
}

var (
	decisionValid          = Decision{Success: true}
	decisionInvalidateOnly = Decision{Invalidate: true, NextKey: true}
	decisionRetryAndNext   = Decision{RetrySameKey: true, NextKey: true}
	decisionRetrySameOnly  = Decision{RetrySameKey: true}
	decisionGiveUp         = Decision{}
)

// ClassifyStatus maps an upstream HTTP status onto the authoritative
// classification table in spec §4.E.
func ClassifyStatus(status int) Decision {
	switch {
	case status >= 200 && status < 300:
		return decisionValid
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return decisionInvalidateOnly
	case status == http.StatusTooManyRequests:
		return decisionRetryAndNext
	case status == http.StatusInternalServerError, status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return decisionRetrySameOnly
	default:
		// 400, 404, 422, and any other 4xx: no retry at all.
		return decisionGiveUp
	}
}

// ClassifyTransportError maps a transport-level failure (connect error, TCP
// reset, response-deadline-exceeded, context cancellation) onto the same
// table. Context cancellation short-circuits with no validity update.
func ClassifyTransportError(ctx context.Context, err error) Decision {
	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return decisionGiveUp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return decisionRetrySameOnly
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return decisionRetrySameOnly
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return decisionRetrySameOnly
	}
	// Any other transport-level error (connection refused, reset, DNS
	// failure) is treated as a connect error: retry the same key only.
	return decisionRetrySameOnly
}
