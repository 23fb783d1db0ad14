package types

import "encoding/json"

// InferRequest is the body of POST /infer on a worker.
type InferRequest struct {
	// Base64-encoded image to run the model against.
	// example: iVBORw0KGgoAAAANSUhEUgAA...
	ImageBase64 string `json:"image_base64" example:"iVBORw0KGgoAAAANSUhEUgAA..."`
	// Free-form parameters forwarded to the capability runtime
	// (threshold, points, shapes, ...).
	Params map[string]any `json:"params,omitempty"`
}

// InferResponse wraps the capability runtime's result.
type InferResponse struct {
	// Name of the worker that served the request.
	// example: yolov12n
	Model string `json:"model" example:"yolov12n"`
	// Capability tag of the loaded implementation.
	// example: detection
	Capability string `json:"capability" example:"detection"`
	// Opaque result as returned by the runtime.
	Result json.RawMessage `json:"result"`
	// Wall time spent inside the runtime, in milliseconds.
	// example: 42
	DurationMS int64 `json:"duration_ms" example:"42"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// HealthResponse is returned by GET /health on a worker.
type HealthResponse struct {
	// example: ok
	Status string `json:"status" example:"ok"`
	// example: yolov12n
	Model string `json:"model" example:"yolov12n"`
	// Whether the heavy runtime is currently resident.
	// example: false
	Loaded bool `json:"loaded" example:"false"`
}

// WorkerStatus is returned by GET /status on a worker.
type WorkerStatus struct {
	// example: yolov12n
	Model string `json:"model" example:"yolov12n"`
	// example: 5001
	Port int `json:"port" example:"5001"`
	// example: detection
	Capability string `json:"capability" example:"detection"`
	// Resource lifecycle state: unloaded, loading or loaded.
	// example: loaded
	State string `json:"state" example:"loaded"`
	// Requests currently executing against the runtime.
	// example: 0
	Inflight int `json:"inflight" example:"0"`
	// Last time the runtime served a request (unix seconds, 0 if never).
	// example: 1700000000
	LastAccessUnix int64 `json:"last_access_unix" example:"1700000000"`
	// Idle period after which the runtime is released.
	// example: 300
	IdleTimeoutSeconds int `json:"idle_timeout_seconds" example:"300"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 3
	LoadsTotal uint64 `json:"loads_total" example:"3"`
	// example: 2
	UnloadsTotal uint64 `json:"unloads_total" example:"2"`
	// Last load or inference error observed, if any.
	LastError string `json:"last_error,omitempty"`
}

// ControllerStatus is returned by GET /status on the controller.
type ControllerStatus struct {
	// Live and recently crashed worker processes.
	Workers []ProcessStatus `json:"workers"`
	// Number of completed reconciliation ticks.
	// example: 120
	Ticks uint64 `json:"ticks" example:"120"`
	// Unix time of the last completed tick.
	// example: 1700000000
	LastTickUnix int64 `json:"last_tick_unix" example:"1700000000"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
