package internal

import (
	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// SetupSentry initialises the sentry client and forwards error-level log
// entries to it.
func SetupSentry(dsn string) error {
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
	}); err != nil {
		return err
	}
	logrus.AddHook(&sentryHook{})
	return nil
}

type sentryHook struct{}

func (h *sentryHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func (h *sentryHook) Fire(entry *logrus.Entry) error {
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range entry.Data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureMessage(entry.Message)
	})
	return nil
}
