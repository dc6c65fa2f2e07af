package integration_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

type mockRelease struct {
	ID           int64  `json:"id"`
	Version      string `json:"version"`
	ShortVersion string `json:"short_version"`
	ReleaseNotes string `json:"release_notes"`
	Mandatory    bool   `json:"mandatory_update"`
	DownloadURL  string `json:"download_url"`
	MinOS        string `json:"min_os,omitempty"`
}

var (
	release42 = mockRelease{
		ID:           42,
		Version:      "1.1.0",
		ShortVersion: "1.1",
		ReleaseNotes: "Bug fixes",
		DownloadURL:  "https://downloads.example.test/42",
	}
	release43 = mockRelease{
		ID:           43,
		Version:      "1.2.0",
		ShortVersion: "1.2",
		ReleaseNotes: "New features",
		DownloadURL:  "https://downloads.example.test/43",
	}
	mandatory44 = mockRelease{
		ID:          44,
		Version:     "2.0.0",
		Mandatory:   true,
		DownloadURL: "https://downloads.example.test/44",
	}
)

// MockReleaseServer serves the latest-release endpoint for tokens it was told
// about and records every request it sees.
type MockReleaseServer struct {
	server *httptest.Server

	mu       sync.Mutex
	tokens   map[string]bool
	latest   *mockRelease
	status   int
	requests []string
}

func NewMockReleaseServer() *MockReleaseServer {
	m := &MockReleaseServer{tokens: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("/sdk/apps/", m.handleLatest)

	m.server = httptest.NewServer(mux)
	return m
}

func (m *MockReleaseServer) URL() string {
	return m.server.URL
}

func (m *MockReleaseServer) Close() {
	m.server.Close()
}

// Reset forgets tokens, requests and the published release.
func (m *MockReleaseServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[string]bool)
	m.latest = nil
	m.status = 0
	m.requests = nil
}

func (m *MockReleaseServer) Authorize(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = true
}

func (m *MockReleaseServer) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
}

// Publish makes release the latest one; nil means the app is up to date.
func (m *MockReleaseServer) Publish(release *mockRelease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = release
}

// FailWith answers every authorized request with status; zero restores normal
// responses.
func (m *MockReleaseServer) FailWith(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Requests returns the bearer token of every request, in order.
func (m *MockReleaseServer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

func (m *MockReleaseServer) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/releases/latest") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	m.mu.Lock()
	m.requests = append(m.requests, token)
	authorized := m.tokens[token]
	latest := m.latest
	status := m.status
	m.mu.Unlock()

	if !authorized {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_token"})
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if latest == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(latest)
}
