package obs

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Severity ranks. The zero value is info so the default needs no setup.
const (
	rankDebug int32 = iota - 1
	rankInfo
	rankWarn
	rankError
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
	minRank    atomic.Int32
)

func rank(level string) (int32, bool) {
	switch level {
	case "debug":
		return rankDebug, true
	case "info":
		return rankInfo, true
	case "warn":
		return rankWarn, true
	case "error":
		return rankError, true
	}
	return rankInfo, false
}

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// SetLevel drops lines below level (debug, info, warn or error).
func SetLevel(level string) error {
	r, ok := rank(strings.ToLower(strings.TrimSpace(level)))
	if !ok {
		return fmt.Errorf("obs: unknown log level %q", level)
	}
	minRank.Store(r)
	return nil
}

// Log emits one JSON line. Reserved keys ts, level and msg win over fields.
func Log(level, msg string, fields map[string]any) {
	if r, _ := rank(level); r < minRank.Load() {
		return
	}
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		data, _ = json.Marshal(map[string]any{"ts": entry["ts"], "level": "error", "msg": "log marshal failed", "cause": msg})
	}
	Logger().Println(string(data))
}

func Debug(msg string, fields map[string]any) { Log("debug", msg, fields) }
func Info(msg string, fields map[string]any)  { Log("info", msg, fields) }
func Warn(msg string, fields map[string]any)  { Log("warn", msg, fields) }
func Error(msg string, fields map[string]any) { Log("error", msg, fields) }
