package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/call"
	"github.com/parleyhq/parley/internal/storage"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	// The server binds to loopback only; origin checks add nothing there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerSelfRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/self: identity of this node.
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"peer_id": d.SelfID,
			"label":   d.SelfLabel(),
			"addrs":   d.Addrs(),
		})
	})
}

func registerPeerRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/peers: swarm members seen through presence.
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Peers.Snapshot())
	})
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/calls: call history, newest first.
	handleGet(mux, "/api/calls", func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)
		sessions, err := d.Store.History(limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sessions == nil {
			sessions = []storage.CallSession{}
		}
		writeJSON(w, sessions)
	})

	// GET /api/calls/get?id=...: one session record.
	handleGet(mux, "/api/calls/get", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		sess, err := d.Store.Get(id)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, sess)
	})

	// GET /api/call/active: snapshot of the current call, null when idle.
	handleGet(mux, "/api/call/active", func(w http.ResponseWriter, r *http.Request) {
		st, err := d.Controller.State(r.Context())
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, st)
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID   string `json:"peer_id"`
		CallType string `json:"call_type"`
	}) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		ctype := storage.CallType(req.CallType)
		if ctype == "" {
			ctype = storage.CallVideo
		}
		sess, err := d.Controller.Start(r.Context(), req.PeerID, ctype)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, sess)
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		sess, err := d.Controller.Accept(r.Context(), req.CallID)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, sess)
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		CallID string `json:"call_id"`
	}) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := d.Controller.Reject(r.Context(), req.CallID); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/end: hangs up whatever is active; harmless when idle.
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := d.Controller.End(r.Context()); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := d.Controller.ToggleAudio(r.Context())
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		disabled, err := d.Controller.ToggleVideo(r.Context())
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// GET /api/call/log: recent call events, oldest first.
	handleGet(mux, "/api/call/log", func(w http.ResponseWriter, r *http.Request) {
		var events []call.Event
		if d.EventLog != nil {
			events = d.EventLog()
		}
		if events == nil {
			events = []call.Event{}
		}
		writeJSON(w, events)
	})

	// GET /api/call/events: websocket stream of call events. Each
	// connection gets its own subscription, cancelled on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return // Upgrade already wrote the error
		}
		defer conn.Close()

		events, cancel := d.Controller.Subscribe()
		defer cancel()

		// Drain client frames so pings and the close handshake work.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		for ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("API: event stream write: %v", err)
				return
			}
		}
	})
}

// writeCallError maps controller and store errors onto HTTP statuses.
func writeCallError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrSameParticipants),
		errors.Is(err, storage.ErrInvalidCallType):
		status = http.StatusBadRequest
	case errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrNotRinging),
		errors.Is(err, call.ErrNoActiveCall),
		errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, storage.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, call.ErrMediaAccessDenied):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
