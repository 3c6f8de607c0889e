// Package logger wraps logrus with console and rotating-file sinks. There is
// no package-level singleton: New is called once in cmd/root.go with the
// loaded Settings.Logging and the result is threaded explicitly through every
// component.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"sfReplicaBackup/internal/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps logrus.Logger for interface consistency with the rest of the
// codebase.
type Logger struct {
	*logrus.Logger
	showCaller bool
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

func String(key, val string) Field            { return Field{Key: key, Value: val} }
func Strings(key string, vals []string) Field { return Field{Key: key, Value: vals} }
func Int(key string, val int) Field           { return Field{Key: key, Value: val} }
func Int64(key string, val int64) Field       { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field         { return Field{Key: key, Value: val} }
func Error(err error) Field                   { return Field{Key: "error", Value: err} }
func Duration(key string, d time.Duration) Field {
	return Field{Key: key, Value: d.String()}
}

func fieldsToLogrusFields(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}

// writerHook fires on every entry and writes the formatted bytes to an
// io.Writer, independent of whatever formatter the base logger is using for
// its primary output.
type writerHook struct {
	Writer    io.Writer
	Formatter logrus.Formatter
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	b, err := h.Formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.Writer.Write(b)
	return err
}

func (h *writerHook) Levels() []logrus.Level { return logrus.AllLevels }

// PrettyJSONFormatter renders entries as single-line JSON, used for file
// output. encoding/json writes every key, time/level/msg included, in
// alphabetical order; time, level and msg are not placed first.
type PrettyJSONFormatter struct {
	TimestampFormat string
}

func (f *PrettyJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		data[k] = v
	}

	out := map[string]interface{}{
		"time":  entry.Time.Format(f.TimestampFormat),
		"level": entry.Level.String(),
		"msg":   entry.Message,
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = data[k]
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	b = append(b, '\n')
	return b, nil
}

// ConsoleFormatter renders a concise single-line human-readable form:
// [timestamp][LEVEL] - message (k=v, k2=v2)
type ConsoleFormatter struct {
	TimestampFormat string
}

func (f *ConsoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	ts := entry.Time.Format(f.TimestampFormat)
	lvl := strings.ToUpper(entry.Level.String())

	var b strings.Builder
	fmt.Fprintf(&b, "[%s][%s] - %s", ts, lvl, entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, entry.Data[k])
		}
		b.WriteString(")")
	}
	b.WriteString("\n")
	return []byte(b.String()), nil
}

func (l *Logger) withCaller(fields []Field) []Field {
	if !l.showCaller {
		return fields
	}
	for _, f := range fields {
		if f.Key == "file" {
			return fields
		}
	}
	if cf, ok := findCallerField(); ok {
		return append([]Field{cf}, fields...)
	}
	return fields
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.Logger.WithFields(fieldsToLogrusFields(l.withCaller(fields))).Debug(msg)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.Logger.WithFields(fieldsToLogrusFields(l.withCaller(fields))).Info(msg)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.Logger.WithFields(fieldsToLogrusFields(l.withCaller(fields))).Warn(msg)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.Logger.WithFields(fieldsToLogrusFields(l.withCaller(fields))).Error(msg)
}

// findCallerField walks the stack to find the first frame outside this
// package, returning a Field keyed "file" with a "base.go:123" value.
func findCallerField() (Field, bool) {
	for i := 2; i < 16; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			continue
		}
		if strings.Contains(file, string(filepath.Separator)+"internal"+string(filepath.Separator)+"logger") {
			continue
		}
		return String("file", fmt.Sprintf("%s:%d", filepath.Base(file), line)), true
	}
	return Field{}, false
}

// New builds a Logger from the run's Logging settings and attaches a run_id
// field so interleaved log lines from concurrent processes sharing the
// on-disk run cache can be told apart.
func New(cfg config.Logging, runID string) (*Logger, error) {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)
	showCaller := level == logrus.DebugLevel

	var writers []io.Writer
	if cfg.ConsoleEnabled {
		writers = append(writers, os.Stdout)
	}
	if cfg.LogFile != "" {
		fw, err := setupFileOutput(cfg)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		writers = append(writers, fw)
	}
	if cfg.SyslogEnabled {
		sw, err := setupSyslogOutput(cfg)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		writers = append(writers, sw)
	}

	base.SetFormatter(&ConsoleFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	if cfg.ConsoleEnabled {
		base.SetOutput(os.Stdout)
	} else {
		base.SetOutput(io.Discard)
	}

	jsonFmt := &PrettyJSONFormatter{TimestampFormat: "2006-01-02 15:04:05"}
	for _, w := range writers {
		if w == os.Stdout {
			continue
		}
		base.AddHook(&writerHook{Writer: w, Formatter: jsonFmt})
	}

	l := &Logger{Logger: base, showCaller: showCaller}
	return l.WithRunID(runID), nil
}

// WithRunID returns a Logger whose every entry carries the given run_id
// field, without mutating the receiver.
func (l *Logger) WithRunID(runID string) *Logger {
	if runID == "" {
		return l
	}
	// The hooks map must be copied, not shared: AddHook on a shallow copy
	// would register the run_id hook on the receiver too.
	hooks := make(logrus.LevelHooks)
	for lvl, hs := range l.Logger.Hooks {
		hooks[lvl] = append([]logrus.Hook{}, hs...)
	}
	entryLogger := &logrus.Logger{
		Out:          l.Logger.Out,
		Hooks:        hooks,
		Formatter:    l.Logger.Formatter,
		ReportCaller: l.Logger.ReportCaller,
		Level:        l.Logger.Level,
		ExitFunc:     l.Logger.ExitFunc,
		BufferPool:   l.Logger.BufferPool,
	}
	wrapped := &Logger{Logger: entryLogger, showCaller: l.showCaller}
	wrapped.Logger.AddHook(&staticFieldHook{key: "run_id", value: runID})
	return wrapped
}

// staticFieldHook injects a constant field into every entry.
type staticFieldHook struct {
	key   string
	value string
}

func (h *staticFieldHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data[h.key]; !ok {
		entry.Data[h.key] = h.value
	}
	return nil
}

func (h *staticFieldHook) Levels() []logrus.Level { return logrus.AllLevels }

func setupFileOutput(cfg config.Logging) (io.Writer, error) {
	dir := filepath.Dir(cfg.LogFile)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    parseSizeMB(cfg.FileRotationMaxSize),
		MaxBackups: 0,
		MaxAge:     cfg.FileRetentionDays,
		Compress:   cfg.FileCompressOld,
	}, nil
}

func setupSyslogOutput(cfg config.Logging) (io.Writer, error) {
	facility := parseSyslogFacility(cfg.SyslogFacility)
	w, err := syslog.New(facility|syslog.LOG_INFO, cfg.SyslogTag)
	if err != nil {
		return nil, fmt.Errorf("connect syslog: %w", err)
	}
	return w, nil
}

func parseSizeMB(s string) int {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 100
	}
	var numStr, unit string
	for i, c := range s {
		if (c >= '0' && c <= '9') || c == '.' {
			numStr += string(c)
		} else {
			unit = s[i:]
			break
		}
	}
	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 100
	}
	switch unit {
	case "KB":
		return int(n / 1024)
	case "GB":
		return int(n * 1024)
	default:
		return int(n)
	}
}

func parseSyslogFacility(facility string) syslog.Priority {
	switch strings.ToLower(facility) {
	case "kern":
		return syslog.LOG_KERN
	case "user":
		return syslog.LOG_USER
	case "mail":
		return syslog.LOG_MAIL
	case "daemon":
		return syslog.LOG_DAEMON
	case "auth":
		return syslog.LOG_AUTH
	case "cron":
		return syslog.LOG_CRON
	case "local0":
		return syslog.LOG_LOCAL0
	case "local1":
		return syslog.LOG_LOCAL1
	default:
		return syslog.LOG_LOCAL0
	}
}
