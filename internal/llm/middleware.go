package llm

import "context"

type CompleteFunc func(ctx context.Context, req Request) (Response, error)

// MiddlewareFunc wraps the Complete path. A nil Complete field is skipped,
// so partial middleware values are valid.
type MiddlewareFunc struct {
	Complete func(ctx context.Context, req Request, next CompleteFunc) (Response, error)
}

type Middleware = MiddlewareFunc

func applyMiddlewareComplete(base CompleteFunc, mws []Middleware) CompleteFunc {
	handler := base
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		if mw.Complete == nil {
			continue
		}
		next := handler
		handler = func(ctx context.Context, req Request) (Response, error) {
			return mw.Complete(ctx, req, next)
		}
	}
	return handler
}
