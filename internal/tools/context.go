package tools

import "context"

type runInfoKey struct{}

// RunInfo identifies the run a tool call executes on behalf of. The executor
// attaches it before dispatch; tools that attribute their effects to a run
// (memory saves, worker delegation) read it back.
type RunInfo struct {
	RunID     string
	SessionID string
	Depth     int
}

// WithRunInfo stores the calling run's identity in the context.
func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFromContext returns the calling run's identity, if the executor set
// one. Tools invoked outside a run (tests, direct calls) get the zero value.
func RunInfoFromContext(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runInfoKey{}).(RunInfo)
	return info, ok
}
