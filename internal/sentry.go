package internal

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ConfigureSentry initialises the global sentry client. An empty dsn disables reporting.
func ConfigureSentry(dsn, version string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: version,
	})
}

// ReportFatal captures err on the hub for ctx and waits briefly for it to be delivered,
// as the caller is about to exit.
func ReportFatal(ctx context.Context, err error) {
	hub := GetSentryHubFromContextOrDefault(ctx)
	hub.CaptureException(err)
	hub.Flush(2 * time.Second)
}
