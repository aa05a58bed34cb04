package utils

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mdobak/go-xerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

var (
	logger   *slog.Logger
	loggerMu sync.Mutex
)

// InitLogger configures the process-wide logger. Output goes to stdout and,
// when logFile is set, to a size-rotated file.
func InitLogger(level string, logFile string) *slog.Logger {
	var out io.Writer = os.Stdout
	if logFile != "" {
		if dir := filepath.Dir(logFile); dir != "." && dir != "" {
			_ = CreateFolder(dir)
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	l := newLogger(out, ParseLogLevel(level))

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	return l
}

// GetLogger returns the process-wide logger, creating a stdout logger at
// info level if InitLogger was never called.
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = newLogger(os.Stdout, slog.LevelInfo)
	}
	return logger
}

// ParseLogLevel maps LOG_LEVEL values onto slog levels. Unknown values mean info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler)
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindAny {
		if err, ok := a.Value.Any().(error); ok {
			a.Value = fmtErr(err)
		}
	}
	return a
}

// fmtErr expands an error into its message and, for xerrors values, the
// captured stack trace.
func fmtErr(err error) slog.Value {
	var groupValues []slog.Attr

	groupValues = append(groupValues, slog.String("msg", err.Error()))

	frames := marshalStack(err)
	if frames != nil {
		groupValues = append(groupValues, slog.Any("trace", frames))
	}

	return slog.GroupValue(groupValues...)
}

func marshalStack(err error) []stackFrame {
	trace := xerrors.StackTrace(err)
	if len(trace) == 0 {
		return nil
	}

	frames := trace.Frames()
	s := make([]stackFrame, len(frames))
	for i, v := range frames {
		s[i] = stackFrame{
			Source: filepath.Join(filepath.Base(filepath.Dir(v.File)), filepath.Base(v.File)),
			Func:   filepath.Base(v.Function),
			Line:   v.Line,
		}
	}

	return s
}
