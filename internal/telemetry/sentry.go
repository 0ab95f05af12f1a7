package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// InitSentry enables error reporting when a DSN is configured. The returned flush
// function is safe to call either way.
func InitSentry(dsn, env, release string) (func(), error) {
	if dsn == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
		Release:     release,
	}); err != nil {
		return func() {}, fmt.Errorf("init sentry: %w", err)
	}
	log.Info().Str("environment", env).Msg("Sentry error reporting enabled")
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// CaptureJobError reports an unexpected job failure with job context attached.
func CaptureJobError(err error, jobID int64, marketplace, action string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("marketplace", marketplace)
		scope.SetTag("action", action)
		scope.SetExtra("job_id", jobID)
		sentry.CaptureException(err)
	})
}
