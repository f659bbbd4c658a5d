package logutil

import (
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "sync/atomic"
    "time"

    "gopkg.in/natefinch/lumberjack.v2"
)

var jsonMode atomic.Bool

func init() {
    if os.Getenv("GOVSYNC_LOG_JSON") == "1" || os.Getenv("GOVSYNC_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

// FileOutput configures a rotating log file.
type FileOutput struct {
    Path       string `yaml:"path"`
    MaxSizeMB  int    `yaml:"max_size_mb"`
    MaxBackups int    `yaml:"max_backups"`
    MaxAgeDays int    `yaml:"max_age_days"`
    Compress   bool   `yaml:"compress"`
}

// New returns a logger writing to stderr, and also to a rotating file when
// out is set.
func New(prefix string, out *FileOutput) *log.Logger {
    var w io.Writer = os.Stderr
    if out != nil && out.Path != "" {
        size := out.MaxSizeMB
        if size <= 0 { size = 100 }
        w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
            Filename:   out.Path,
            MaxSize:    size,
            MaxBackups: out.MaxBackups,
            MaxAge:     out.MaxAgeDays,
            Compress:   out.Compress,
        })
    }
    return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func prefix(l *log.Logger, p string) *log.Logger {
    if l == nil { l = log.Default() }
    return log.New(l.Writer(), l.Prefix()+p, l.Flags())
}

func SetJSON(enabled bool) { jsonMode.Store(enabled) }

func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

func logf(l *log.Logger, level, f string, args ...any) {
    if jsonMode.Load() {
        msg := fmt.Sprintf(f, args...)
        evt := map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level,
            "msg":   msg,
        }
        if l == nil { l = log.Default() }
        if p := l.Prefix(); p != "" { evt["node"] = p }
        b, _ := json.Marshal(evt)
        log.New(l.Writer(), "", 0).Println(string(b))
        return
    }
    switch level {
    case "info":
        prefix(l, "INFO ").Printf(f, args...)
    case "warn":
        prefix(l, "WARN ").Printf(f, args...)
    default:
        prefix(l, "ERROR ").Printf(f, args...)
    }
}
