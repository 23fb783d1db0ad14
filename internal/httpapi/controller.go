package httpapi

import (
	"net/http"

	"fleetd/pkg/types"
)

// StatusProvider reports the controller's view of the fleet.
type StatusProvider interface {
	Status() types.ControllerStatus
}

// NewControllerMux returns the controller's status and metrics surface.
func NewControllerMux(sp StatusProvider) http.Handler {
	r := newRouter(false)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sp.Status())
	})
	return r
}
