package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"fleetd/pkg/types"
)

// Worker is what the worker router serves: one model behind a lazily loaded
// runtime.
type Worker interface {
	Name() string
	Capability() string
	Invoke(ctx context.Context, req types.InferRequest) (json.RawMessage, error)
	Warmup(ctx context.Context) error
	Unload() error
	Loaded() bool
	Status() types.WorkerStatus
}

// NewWorkerMux returns the HTTP surface of a worker process.
func NewWorkerMux(wk Worker) http.Handler {
	r := newRouter(true)

	r.Post("/infer", func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			IncrementRejected("content_type")
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.InferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			IncrementRejected("invalid_json")
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		img, err := normalizeImage(req.ImageBase64)
		if err != nil {
			IncrementRejected("invalid_image")
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.ImageBase64 = img

		lvl := requestLogLevel(r)
		start := time.Now()
		ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
		defer cancel()
		if d := inferDeadline(); d > 0 {
			var cancelT context.CancelFunc
			ctx, cancelT = context.WithTimeoutCause(ctx, d, errDeadline)
			defer cancelT()
		}

		result, err := wk.Invoke(ctx, req)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			if errors.Is(context.Cause(ctx), errDeadline) {
				err = errDeadline
			}
			status := statusFor(err)
			logInfer(r, lvl, wk.Name(), status, start, err)
			writeJSONError(w, status, err.Error())
			return
		}
		logInfer(r, lvl, wk.Name(), http.StatusOK, start, nil)
		writeJSON(w, http.StatusOK, types.InferResponse{
			Model:      wk.Name(),
			Capability: wk.Capability(),
			Result:     result,
			DurationMS: time.Since(start).Milliseconds(),
		})
	})

	r.Post("/warmup", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
		defer cancel()
		if err := wk.Warmup(ctx); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, health(wk))
	})

	r.Post("/unload", func(w http.ResponseWriter, r *http.Request) {
		if err := wk.Unload(); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		zlog.Info().Str("model", wk.Name()).Str("request_id", middleware.GetReqID(r.Context())).Msg("http event=unload")
		writeJSON(w, http.StatusOK, health(wk))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, health(wk))
	})

	// The runtime loads lazily, so a worker that answers is ready.
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, wk.Status())
	})

	return r
}

func health(wk Worker) types.HealthResponse {
	return types.HealthResponse{Status: "ok", Model: wk.Name(), Loaded: wk.Loaded()}
}

// normalizeImage strips an optional data URI prefix and checks the payload
// is base64.
func normalizeImage(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("image_base64 is required")
	}
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return "", errors.New("image_base64: malformed data URI")
		}
		s = s[i+1:]
	}
	if _, err := base64.StdEncoding.DecodeString(s); err != nil {
		if _, err2 := base64.RawStdEncoding.DecodeString(s); err2 != nil {
			return "", errors.New("image_base64: not valid base64")
		}
	}
	return s, nil
}
