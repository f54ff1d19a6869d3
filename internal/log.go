package internal

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"

	"github.com/10thony/Campaignion-sub010/setup/config"
)

type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// SetupStdLogging configures console logging on stderr.
func SetupStdLogging(level string) {
	logrus.SetReportCaller(false)
	logrus.SetFormatter(&utcFormatter{
		&logrus.TextFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
			FullTimestamp:    true,
			DisableColors:    false,
			DisableTimestamp: false,
			QuoteEmptyFields: true,
		},
	})
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		logrus.WithField("level", level).Warn("Unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// SetupHookLogging attaches the configured extra logging hooks.
func SetupHookLogging(hooks []config.LogrusHook) {
	for _, hook := range hooks {
		level, err := logrus.ParseLevel(strings.ToLower(hook.Level))
		if err != nil {
			logrus.Fatalf("Unrecognised logging level %s: %q", hook.Level, hook.Level)
		}
		switch hook.Type {
		case "file":
			path, ok := hook.Params["path"].(string)
			if !ok || path == "" {
				logrus.Fatal("File logging hook requires a params.path")
			}
			setupFileHook(path, level)
		default:
			logrus.Fatalf("Unrecognised logging hook type: %s", hook.Type)
		}
	}
}

// setupFileHook adds a FSHook rotating between error, warn and info log
// files under the given directory.
func setupFileHook(dir string, level logrus.Level) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		logrus.Fatalf("Couldn't create directory %s: %s", dir, err)
	}
	logrus.AddHook(&logLevelHook{
		level,
		dugong.NewFSHook(
			filepath.Join(dir, "info.log"),
			filepath.Join(dir, "warn.log"),
			filepath.Join(dir, "error.log"),
			&utcFormatter{
				&logrus.TextFormatter{
					TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
					DisableColors:    true,
					DisableTimestamp: false,
					DisableSorting:   false,
					QuoteEmptyFields: true,
				},
			},
			&dugong.DailyRotationSchedule{GZip: true},
		),
	})
}

// logLevelHook wraps another hook and only fires it at or above a minimum
// level.
type logLevelHook struct {
	minLevel logrus.Level
	logrus.Hook
}

func (h *logLevelHook) Levels() []logrus.Level {
	levels := []logrus.Level{}
	for _, level := range logrus.AllLevels {
		if level <= h.minLevel {
			levels = append(levels, level)
		}
	}
	return levels
}
