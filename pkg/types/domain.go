package types

// ProcessStatus describes one supervised worker process.
type ProcessStatus struct {
	// Per-spawn identifier.
	// example: 0b8f7c4e-6f3b-4a55-9a1e-2f0f8f4e9c11
	ID string `json:"id" example:"0b8f7c4e-6f3b-4a55-9a1e-2f0f8f4e9c11"`
	// example: yolov12n
	Name string `json:"name" example:"yolov12n"`
	// example: 12345
	PID int `json:"pid" example:"12345"`
	// example: 5001
	Port int `json:"port" example:"5001"`
	// example: true
	Alive bool `json:"alive" example:"true"`
	// Exit code once the process has been reaped; -1 when killed by a signal.
	ExitCode *int `json:"exit_code,omitempty"`
	// example: 1700000000
	StartedUnix int64 `json:"started_unix" example:"1700000000"`
	// Number of times this worker has been restarted after a crash.
	// example: 0
	Restarts int `json:"restarts" example:"0"`
}

// ScanEntry is one implementation folder found by the directory scanner.
type ScanEntry struct {
	// example: yolov12n
	Name string `json:"name" example:"yolov12n"`
	// example: detection
	Capability string `json:"capability" example:"detection"`
	// Absolute path to the implementation folder.
	// example: /srv/models/yolov12n
	Path string `json:"path" example:"/srv/models/yolov12n"`
}
