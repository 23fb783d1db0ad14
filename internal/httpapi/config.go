package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
)

const defaultMaxBodyBytes int64 = 8 << 20

// maxBodyBytes caps request bodies on JSON endpoints. Images arrive base64
// encoded, so the default is larger than a typical JSON API.
var maxBodyBytes = defaultMaxBodyBytes

// SetMaxBodyBytes sets the request body cap. Non-positive values restore the
// default.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
		return
	}
	maxBodyBytes = n
}

// inferTimeout bounds a single /infer call in seconds. Zero disables it.
var inferTimeout = int64(0)

// SetInferTimeoutSeconds sets the infer timeout in seconds (0 disables).
func SetInferTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	inferTimeout = sec
}

func inferDeadline() time.Duration { return time.Duration(inferTimeout) * time.Second }

// CORSOptions configures the optional CORS middleware on the worker router.
type CORSOptions struct {
	Enabled bool
	Origins []string
	Methods []string
	Headers []string
}

var corsOpts CORSOptions

// SetCORSOptions enables or disables CORS for routers built afterwards.
func SetCORSOptions(o CORSOptions) {
	corsOpts = CORSOptions{
		Enabled: o.Enabled,
		Origins: append([]string(nil), o.Origins...),
		Methods: append([]string(nil), o.Methods...),
		Headers: append([]string(nil), o.Headers...),
	}
}

func corsMiddleware() func(http.Handler) http.Handler {
	o := corsOpts
	if len(o.Origins) == 0 {
		o.Origins = []string{"*"}
	}
	if len(o.Methods) == 0 {
		o.Methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(o.Headers) == 0 {
		o.Headers = []string{"Content-Type", "X-Request-Id", "X-Log-Level"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: o.Origins,
		AllowedMethods: o.Methods,
		AllowedHeaders: o.Headers,
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
}
