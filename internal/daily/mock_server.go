package daily

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
)

// MockServer is an in-process provisioning API for tests. It issues room URLs
// of the form <server>/rooms-host/room-N and counts every call.
type MockServer struct {
	*httptest.Server

	mu      sync.Mutex
	rooms   map[string]bool // name -> exists
	deletes map[string]int  // name -> delete calls
	created []string        // room URLs in creation order

	seq          atomic.Int64
	failRooms    atomic.Int64 // fail the next N room creations
	failTokens   atomic.Int64 // fail the next N token mints
	failDeletes  atomic.Int64 // fail the next N deletions
	failTokenAt  atomic.Int64 // fail the token call with this ordinal
	outage       atomic.Bool  // fail every call
	tokenCalls   atomic.Int64
	lastAuthSeen atomic.Value
}

func NewMockServer() *MockServer {
	m := &MockServer{
		rooms:   make(map[string]bool),
		deletes: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rooms", m.handleCreateRoom)
	mux.HandleFunc("POST /meeting-tokens", m.handleCreateToken)
	mux.HandleFunc("DELETE /rooms/{name}", m.handleDeleteRoom)
	m.Server = httptest.NewServer(mux)
	return m
}

// FailRooms makes the next n room creations fail with 500.
func (m *MockServer) FailRooms(n int) { m.failRooms.Store(int64(n)) }

// FailTokens makes the next n token mints fail with 500.
func (m *MockServer) FailTokens(n int) { m.failTokens.Store(int64(n)) }

// FailTokenCall makes the n-th token mint (1-based, counted from server start) fail.
func (m *MockServer) FailTokenCall(n int) { m.failTokenAt.Store(int64(n)) }

// FailDeletes makes the next n deletions fail with 500.
func (m *MockServer) FailDeletes(n int) { m.failDeletes.Store(int64(n)) }

// SetOutage makes every call fail until cleared.
func (m *MockServer) SetOutage(down bool) { m.outage.Store(down) }

// Created returns room URLs in creation order.
func (m *MockServer) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

// Live returns the number of rooms created and not yet deleted.
func (m *MockServer) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, exists := range m.rooms {
		if exists {
			n++
		}
	}
	return n
}

// DeleteCount returns how many delete calls the room behind roomURL received.
func (m *MockServer) DeleteCount(roomURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes[RoomName(roomURL)]
}

// TotalDeletes returns the number of delete calls across all rooms.
func (m *MockServer) TotalDeletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.deletes {
		n += c
	}
	return n
}

// TokenCalls returns the number of token mint requests received.
func (m *MockServer) TokenCalls() int { return int(m.tokenCalls.Load()) }

// LastAuthorization returns the Authorization header of the latest request.
func (m *MockServer) LastAuthorization() string {
	v, _ := m.lastAuthSeen.Load().(string)
	return v
}

func takeFailure(counter *atomic.Int64) bool {
	for {
		n := counter.Load()
		if n <= 0 {
			return false
		}
		if counter.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (m *MockServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	m.lastAuthSeen.Store(r.Header.Get("Authorization"))
	if m.outage.Load() || takeFailure(&m.failRooms) {
		http.Error(w, "room service unavailable", http.StatusInternalServerError)
		return
	}
	var body struct {
		Properties map[string]any `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Properties["exp"] == nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	name := fmt.Sprintf("room-%d", m.seq.Add(1))
	url := m.URL + "/rooms-host/" + name

	m.mu.Lock()
	m.rooms[name] = true
	m.created = append(m.created, url)
	m.mu.Unlock()

	writeMockJSON(w, http.StatusOK, map[string]string{"name": name, "url": url})
}

func (m *MockServer) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	m.lastAuthSeen.Store(r.Header.Get("Authorization"))
	call := m.tokenCalls.Add(1)
	if m.outage.Load() || takeFailure(&m.failTokens) || call == m.failTokenAt.Load() {
		http.Error(w, "token service unavailable", http.StatusInternalServerError)
		return
	}
	var body struct {
		Properties struct {
			RoomName string `json:"room_name"`
			IsOwner  bool   `json:"is_owner"`
		} `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	exists := m.rooms[body.Properties.RoomName]
	m.mu.Unlock()
	if !exists {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	token := fmt.Sprintf("tok-%s-%d", body.Properties.RoomName, call)
	writeMockJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (m *MockServer) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	m.lastAuthSeen.Store(r.Header.Get("Authorization"))
	name := r.PathValue("name")

	m.mu.Lock()
	m.deletes[name]++
	m.mu.Unlock()

	if m.outage.Load() || takeFailure(&m.failDeletes) {
		http.Error(w, "delete unavailable", http.StatusInternalServerError)
		return
	}

	m.mu.Lock()
	exists := m.rooms[name]
	m.rooms[name] = false
	m.mu.Unlock()

	if !exists {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	writeMockJSON(w, http.StatusOK, map[string]any{"deleted": true, "name": strings.TrimSpace(name)})
}

func writeMockJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
