package httpapi

import "context"

// serverBaseCtx is the worker's lifetime. It is cancelled on SIGINT/SIGTERM
// so a long /infer stops waiting on the runtime while the server drains.
var serverBaseCtx = context.Background()

// SetBaseContext installs the worker's lifetime context. nil resets it.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	serverBaseCtx = ctx
}

// joinContexts returns a child of req that is also cancelled when life ends.
// The returned cancel detaches from life and must be called when the handler
// returns.
func joinContexts(req, life context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(req)
	detach := context.AfterFunc(life, cancel)
	return ctx, func() {
		detach()
		cancel()
	}
}
