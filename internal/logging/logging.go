// Package logging configures the process-wide logger: human-readable
// console output plus JSON lines appended to a per-day file under the
// state directory, and one file per engine session.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Setup creates the root logger. Daily files land in
// <logDir>/agent-YYYY-MM-DD.log; the hook switches files when the day
// rolls over.
func Setup(logDir, level string, verbose bool) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	if verbose {
		lvl = logrus.DebugLevel
	}
	logger.SetLevel(lvl)

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logger.AddHook(newDailyFileHook(logDir))
	}

	return logger, nil
}

// dailyFileHook appends every entry as a JSON line to agent-<day>.log.
type dailyFileHook struct {
	mu        sync.Mutex
	dir       string
	day       string
	file      *os.File
	formatter logrus.Formatter
}

func newDailyFileHook(dir string) *dailyFileHook {
	return &dailyFileHook{
		dir:       dir,
		formatter: &logrus.JSONFormatter{TimestampFormat: time.RFC3339},
	}
}

func (h *dailyFileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *dailyFileHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	day := entry.Time.Format("2006-01-02")
	if h.file == nil || day != h.day {
		if h.file != nil {
			h.file.Close()
		}
		path := filepath.Join(h.dir, fmt.Sprintf("agent-%s.log", day))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		h.file = f
		h.day = day
	}

	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}

// sessionHook mirrors entries carrying a matching session field into a
// dedicated per-session file.
type sessionHook struct {
	mu        sync.Mutex
	sessionID string
	w         io.WriteCloser
	formatter logrus.Formatter
}

func (h *sessionHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *sessionHook) Fire(entry *logrus.Entry) error {
	if sid, ok := entry.Data["session"].(string); !ok || sid != h.sessionID {
		return nil
	}
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(line)
	return err
}

// ForSession attaches a per-session log file named
// <logDir>/sessions/<op>-<timestamp>-<session>.log and returns the
// field-scoped entry plus a close function.
func ForSession(logger *logrus.Logger, logDir, op, sessionID string) (*logrus.Entry, func(), error) {
	entry := logger.WithFields(logrus.Fields{"op": op, "session": sessionID})
	if logDir == "" {
		return entry, func() {}, nil
	}

	dir := filepath.Join(logDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create session log directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.log", op, time.Now().Format("20060102-150405"), sessionID)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session log: %w", err)
	}

	hook := &sessionHook{
		sessionID: sessionID,
		w:         f,
		formatter: &logrus.JSONFormatter{TimestampFormat: time.RFC3339},
	}
	logger.AddHook(hook)

	closeFn := func() {
		// logrus has no RemoveHook; nil the writer so the hook goes quiet.
		hook.mu.Lock()
		defer hook.mu.Unlock()
		f.Close()
		hook.w = nopWriter{}
	}
	return entry, closeFn, nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriter) Close() error                { return nil }
