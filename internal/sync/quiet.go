package sync

import "context"

type quietKey struct{}

// Quiet marks ctx so RefreshIssue invoked with it skips reporting its
// outcome to the Notifier. A request-driven single-ticket refresh
// already reports its outcome through the handler's own RESULT line.
// RefreshUpdated and FullIssueScan ignore the mark and always report
// per-issue changes unsolicited.
func Quiet(ctx context.Context) context.Context {
	return context.WithValue(ctx, quietKey{}, true)
}

func isQuiet(ctx context.Context) bool {
	quiet, _ := ctx.Value(quietKey{}).(bool)
	return quiet
}
