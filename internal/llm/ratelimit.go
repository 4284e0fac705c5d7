package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimit returns middleware that gates Complete calls through the given
// limiter. A nil limiter passes everything through, so callers can wire the
// middleware unconditionally and decide at config time.
func RateLimit(limiter *rate.Limiter) Middleware {
	return MiddlewareFunc{
		Complete: func(ctx context.Context, req Request, next CompleteFunc) (Response, error) {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return Response{}, NewRequestTimeoutError(req.Provider, "rate limit wait: "+err.Error())
				}
			}
			return next(ctx, req)
		},
	}
}
