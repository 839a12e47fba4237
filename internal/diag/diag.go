// Package diag exposes a connection's live stream table over HTTP for
// operational introspection. It is a side-channel convenience, not itself
// part of the RSocket wire protocol.
//
// Grounded on APIRouter in internal/server/usermanager/api_router.go,
// adapted from a CRUD admin API over a user store to a read-only listing
// endpoint over a streamtable.Table, keeping the same gorilla/mux router
// embedding and CORS-middleware shape.
package diag

import (
	"encoding/json"
	"net/http"

	gmux "github.com/gorilla/mux"

	"github.com/rsocket-engine/core/internal/streamtable"
)

// Router serves read-only stream table diagnostics for one connection.
type Router struct {
	*gmux.Router
	table *streamtable.Table
}

// NewRouter builds a Router over table. Callers mount it directly (it
// embeds *gmux.Router) or use it as an http.Handler on its own.
func NewRouter(table *streamtable.Table) *Router {
	r := &Router{table: table}
	r.Router = gmux.NewRouter()
	r.HandleFunc("/streams", r.listStreams).Methods(http.MethodGet)
	r.HandleFunc("/healthz", r.healthz).Methods(http.MethodGet)
	r.Use(corsMiddleware)
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

type streamView struct {
	StreamID uint32 `json:"streamId"`
	Role     string `json:"role"`
	Kind     string `json:"kind"`
}

func roleName(r streamtable.Role) string {
	if r == streamtable.RoleRequester {
		return "requester"
	}
	return "responder"
}

func kindName(k streamtable.Kind) string {
	switch k {
	case streamtable.KindFireAndForget:
		return "fire-and-forget"
	case streamtable.KindRequestResponse:
		return "request-response"
	case streamtable.KindRequestStream:
		return "request-stream"
	case streamtable.KindRequestChannel:
		return "request-channel"
	default:
		return "unknown"
	}
}

func (rt *Router) listStreams(w http.ResponseWriter, _ *http.Request) {
	snap := rt.table.Snapshot()
	views := make([]streamView, 0, len(snap))
	for _, s := range snap {
		views = append(views, streamView{StreamID: s.StreamID, Role: roleName(s.Role), Kind: kindName(s.Kind)})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
