package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/call"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/proto"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/state"
	"github.com/parleyhq/parley/internal/storage"
)

// nopSignaler satisfies the controller without any transport behind it.
// The routes exercised here never reach media or negotiation, so the
// controller stays idle throughout.
type nopSignaler struct{}

func (nopSignaler) Join(string) error                   { return nil }
func (nopSignaler) Send(string, proto.CallSignal) error { return nil }
func (nopSignaler) Leave(string)                        {}
func (nopSignaler) Subscribe() (chan *proto.SignalEnvelope, func()) {
	return make(chan *proto.SignalEnvelope), func() {}
}

func newTestMux(t *testing.T) (*http.ServeMux, *storage.DB) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := session.NewStore(db, "peer-self")
	ctrl := call.NewController(nopSignaler{}, store, config.Default().Call)
	t.Cleanup(ctrl.Close)

	peers := state.NewPeerTable()
	peers.Upsert("peer-other", "other")

	d := Deps{
		SelfID:     "peer-self",
		SelfLabel:  func() string { return "selfie" },
		Addrs:      func() []string { return []string{"/ip4/127.0.0.1/tcp/4001"} },
		Peers:      peers,
		Store:      store,
		Controller: ctrl,
		EventLog: func() []call.Event {
			return []call.Event{{Type: call.EventConnection, Conn: "connected"}}
		},
	}
	mux := http.NewServeMux()
	registerSelfRoutes(mux, d)
	registerPeerRoutes(mux, d)
	registerCallRoutes(mux, d)
	return mux, db
}

func TestSelfAndPeers(t *testing.T) {
	mux, _ := newTestMux(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/self")
	if err != nil {
		t.Fatalf("self: %v", err)
	}
	var self struct {
		PeerID string   `json:"peer_id"`
		Label  string   `json:"label"`
		Addrs  []string `json:"addrs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&self); err != nil {
		t.Fatalf("decode self: %v", err)
	}
	resp.Body.Close()
	if self.PeerID != "peer-self" || self.Label != "selfie" || len(self.Addrs) != 1 {
		t.Fatalf("self: %+v", self)
	}

	resp, err = http.Get(ts.URL + "/api/peers")
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	var peers map[string]state.SeenPeer
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		t.Fatalf("decode peers: %v", err)
	}
	resp.Body.Close()
	if p, ok := peers["peer-other"]; !ok || p.Label != "other" {
		t.Fatalf("peers: %+v", peers)
	}
}

func TestCallHistoryEndpoints(t *testing.T) {
	mux, db := newTestMux(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	// Empty history encodes as [], not null.
	resp, err := http.Get(ts.URL + "/api/calls")
	if err != nil {
		t.Fatalf("calls: %v", err)
	}
	if body := readBody(t, resp); strings.TrimSpace(body) != "[]" {
		t.Fatalf("empty history = %q", body)
	}

	seed := storage.CallSession{
		ID: "call-1", CallerID: "peer-self", ReceiverID: "peer-other",
		CallType: storage.CallVideo, Status: storage.StatusPending, Version: 1,
	}
	if err := db.CreateSession(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err = http.Get(ts.URL + "/api/calls/get?id=call-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var sess storage.CallSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if sess.ID != "call-1" || sess.Status != storage.StatusPending {
		t.Fatalf("session: %+v", sess)
	}

	// Unknown id maps to 404, missing id to 400.
	if got := statusOf(t, ts.URL+"/api/calls/get?id=nope"); got != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", got)
	}
	if got := statusOf(t, ts.URL+"/api/calls/get"); got != http.StatusBadRequest {
		t.Fatalf("missing id status = %d", got)
	}
}

func TestActiveCallAndIdleCommands(t *testing.T) {
	mux, _ := newTestMux(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/call/active")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if body := readBody(t, resp); strings.TrimSpace(body) != "null" {
		t.Fatalf("idle active = %q", body)
	}

	// Ending with nothing active succeeds.
	if got := postStatus(t, ts.URL+"/api/call/end", ""); got != http.StatusOK {
		t.Fatalf("idle end status = %d", got)
	}

	// Accepting a call that is not ringing is a conflict.
	if got := postStatus(t, ts.URL+"/api/call/accept", `{"call_id":"nope"}`); got != http.StatusConflict {
		t.Fatalf("idle accept status = %d", got)
	}

	// Toggling without a call is a conflict too.
	if got := postStatus(t, ts.URL+"/api/call/toggle-audio", ""); got != http.StatusConflict {
		t.Fatalf("idle toggle status = %d", got)
	}
}

func TestEventLog(t *testing.T) {
	mux, _ := newTestMux(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/call/log")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	var events []call.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(events) != 1 || events[0].Type != call.EventConnection {
		t.Fatalf("events: %+v", events)
	}
}

func TestMethodGuards(t *testing.T) {
	mux, _ := newTestMux(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	if got := postStatus(t, ts.URL+"/api/peers", ""); got != http.StatusMethodNotAllowed {
		t.Fatalf("POST to GET route: %d", got)
	}
	if got := statusOf(t, ts.URL+"/api/call/start"); got != http.StatusMethodNotAllowed {
		t.Fatalf("GET to POST route: %d", got)
	}
}

func TestStartValidation(t *testing.T) {
	mux, _ := newTestMux(t)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	if got := postStatus(t, ts.URL+"/api/call/start", `{}`); got != http.StatusBadRequest {
		t.Fatalf("missing peer_id status = %d", got)
	}
	if got := postStatus(t, ts.URL+"/api/call/start", `not json`); got != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", got)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func statusOf(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func postStatus(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}
