package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// InitLogger configures the global logger to write JSON lines to stdout and
// to a rotating file.
func InitLogger(file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool, level string) {
	writers := []io.Writer{os.Stdout}
	if file != "" {
		if dir := filepath.Dir(file); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		})
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger().Level(parseLevel(level))

	mu.Lock()
	logger = l
	mu.Unlock()
}

// SetLogLevel changes the minimum level. Unknown levels fall back to info.
func SetLogLevel(level string) {
	mu.Lock()
	logger = logger.Level(parseLevel(level))
	mu.Unlock()
}

// SetLoggerForTest replaces the global logger.
func SetLoggerForTest(l zerolog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs msg with key/value pairs at debug level.
func Debug(msg string, kv ...any) {
	l := current()
	withFields(l.Debug(), kv).Msg(msg)
}

// Info logs msg with key/value pairs at info level.
func Info(msg string, kv ...any) {
	l := current()
	withFields(l.Info(), kv).Msg(msg)
}

// Warn logs msg with key/value pairs at warn level.
func Warn(msg string, kv ...any) {
	l := current()
	withFields(l.Warn(), kv).Msg(msg)
}

// Error logs msg with key/value pairs at error level.
func Error(msg string, kv ...any) {
	l := current()
	withFields(l.Error(), kv).Msg(msg)
}

func withFields(ev *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = "_invalid_key"
		}
		if i+1 >= len(kv) {
			ev = ev.Interface("_dangling", kv[i])
			break
		}
		if err, isErr := kv[i+1].(error); isErr {
			ev = ev.AnErr(key, err)
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	return ev
}
