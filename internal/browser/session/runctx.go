// internal/browser/session/runctx.go
package session

import "context"

// CombineContext scopes one CDP call: the result keeps tabCtx's values (the
// target executor) and ends with either tabCtx or opCtx. Cancelling it never
// closes the tab.
func CombineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(opCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Detach is for cleanup that has to run after a stop, such as releasing
// remote objects: values survive, cancellation and deadline do not.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
