package transport

import (
	"net/http"

	"github.com/gorilla/mux"
)

// DefaultPath is the socket endpoint path.
const DefaultPath = "/socket"

// NewRouter routes WebSocket upgrades on path to hub. Every other route
// answers 404.
func NewRouter(hub *Hub, path string) *mux.Router {
	if path == "" {
		path = DefaultPath
	}
	r := mux.NewRouter()
	r.Handle(path, hub).Methods(http.MethodGet)
	return r
}
