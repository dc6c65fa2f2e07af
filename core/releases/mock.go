package releases

import (
	"context"
	"sync"

	"distribute/core"
)

// Response is one scripted answer of a MockClient
type Response struct {
	Release *core.ReleaseInfo
	Err     error
}

// Predefined releases for tests and the demo host
var (
	Release42 = &core.ReleaseInfo{
		ReleaseID:    42,
		Version:      "2.0.0",
		ShortVersion: "2.0",
		ReleaseNotes: "## What's new\n\n- Faster sync\n- Bug fixes",
		DownloadURL:  "https://install.example.test/apps/demo/releases/42",
	}

	Release43 = &core.ReleaseInfo{
		ReleaseID:    43,
		Version:      "2.1.0",
		ShortVersion: "2.1",
		ReleaseNotes: "Security fixes",
		DownloadURL:  "https://install.example.test/apps/demo/releases/43",
	}

	MandatoryRelease44 = &core.ReleaseInfo{
		ReleaseID:    44,
		Version:      "3.0.0",
		ShortVersion: "3.0",
		ReleaseNotes: "Required update",
		Mandatory:    true,
		DownloadURL:  "https://install.example.test/apps/demo/releases/44",
	}
)

// MockClient replays scripted responses in order. Once the script is used up
// the last response repeats; an empty script means no update.
type MockClient struct {
	mu        sync.Mutex
	responses []Response
	calls     int
	tokens    []string
	requests  []core.CheckRequest

	// Gate, when set, blocks each check until it is closed or receives.
	Gate chan struct{}
}

func NewMockClient(responses ...Response) *MockClient {
	return &MockClient{responses: responses}
}

// Script replaces the remaining scripted responses.
func (m *MockClient) Script(responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
}

func (m *MockClient) CheckForUpdate(ctx context.Context, session *core.Session, req core.CheckRequest) (*core.ReleaseInfo, error) {
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return nil, core.NewCheckError(core.FailureTransient, 0, "", ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if session != nil {
		m.tokens = append(m.tokens, session.Token)
	}
	m.requests = append(m.requests, req)

	if len(m.responses) == 0 {
		return nil, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp.Release, resp.Err
}

func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Tokens returns the session tokens seen so far, in call order.
func (m *MockClient) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

func (m *MockClient) LastRequest() core.CheckRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return core.CheckRequest{}
	}
	return m.requests[len(m.requests)-1]
}
