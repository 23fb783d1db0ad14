package httpapi

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is silent until the worker installs its process logger.
var zlog = zerolog.Nop()

// SetLogger installs the logger used for request and encode-failure lines.
func SetLogger(l zerolog.Logger) { zlog = l }

func logger() *zerolog.Logger { return &zlog }

// LogLevel selects which /infer calls get an end-of-request line. It is
// separate from the process log level so a caller can trace a single request
// on a quiet worker.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

var levelNames = map[string]LogLevel{
	"":      LevelOff,
	"off":   LevelOff,
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
}

// parseLevel maps a level name; unknown names mean info.
func parseLevel(s string) LogLevel {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l
	}
	return LevelInfo
}

// defaultLogLevel applies to requests without an override.
var defaultLogLevel = parseLevel(os.Getenv("FLEETD_HTTP_LOG_LEVEL"))

// requestLogLevel honours ?log=<level> (log=1 is debug), then the
// X-Log-Level header, then the process default.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// logInfer writes one line per /infer call. Failures need LevelError,
// successes LevelInfo.
func logInfer(r *http.Request, lvl LogLevel, model string, status int, start time.Time, err error) {
	switch {
	case lvl == LevelOff:
		return
	case err == nil && lvl < LevelInfo:
		return
	}
	ev := zlog.Info()
	if err != nil {
		ev = zlog.Warn().Err(err)
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	ev.Str("model", model).
		Int("status", status).
		Dur("dur", time.Since(start)).
		Msg("http event=infer")
}
