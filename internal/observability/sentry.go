package observability

import (
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled atomic.Bool

// InitSentry configures error reporting. An empty DSN leaves reporting disabled.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          ServiceName + "@" + Version,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
	})
	if err != nil {
		return err
	}
	sentryEnabled.Store(true)
	return nil
}

// CaptureError reports err with tags when Sentry is configured
func CaptureError(err error, tags map[string]string) {
	if err == nil || !sentryEnabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

// FlushSentry waits for buffered events to be sent
func FlushSentry(timeout time.Duration) {
	if sentryEnabled.Load() {
		sentry.Flush(timeout)
	}
}
