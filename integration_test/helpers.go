package integration_test

import (
	"bufio"
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type StatusResponse struct {
	Phase     string `json:"phase"`
	Postponed *struct {
		ReleaseID  int64 `json:"release_id"`
		Indefinite bool  `json:"indefinite"`
	} `json:"postponed"`
	Release *struct {
		ID        int64 `json:"id"`
		Mandatory bool  `json:"mandatory_update"`
	} `json:"release"`
	PendingUntil *time.Time `json:"pending_until"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var client = &http.Client{Timeout: 5 * time.Second}

func getStatus(baseURL string) (*StatusResponse, error) {
	resp, err := client.Get(baseURL + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func postCheck(baseURL string) (*http.Response, error) {
	return client.Post(baseURL+"/check", "application/json", nil)
}

func postAction(baseURL string, body map[string]string) (*http.Response, error) {
	jsonBody, _ := json.Marshal(body)
	return client.Post(baseURL+"/action", "application/json", bytes.NewReader(jsonBody))
}

// deliverCallback follows the portal redirect for setupURL with token.
func deliverCallback(baseURL, setupURL, token string) (*http.Response, error) {
	u, err := url.Parse(setupURL)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("request_id", u.Query().Get("request_id"))
	q.Set("update_token", token)
	return client.Get(baseURL + "/callback?" + q.Encode())
}

func parseError(resp *http.Response) (*ErrorResponse, error) {
	var result ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func waitForPhase(baseURL, phase string, timeout time.Duration) (*StatusResponse, error) {
	deadline := time.Now().Add(timeout)
	var last *StatusResponse
	for time.Now().Before(deadline) {
		status, err := getStatus(baseURL)
		if err == nil {
			last = status
			if status.Phase == phase {
				return status, nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	if last == nil {
		return nil, fmt.Errorf("no status within %s", timeout)
	}
	return last, fmt.Errorf("phase %q after %s, want %q", last.Phase, timeout, phase)
}

func waitForServer(baseURL string, maxAttempts int) error {
	probe := &http.Client{Timeout: 1 * time.Second}
	for i := 0; i < maxAttempts; i++ {
		resp, err := probe.Get(baseURL + "/health")
		if err == nil && resp.StatusCode == 200 {
			resp.Body.Close()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("server failed to start after %d attempts", maxAttempts)
}

// watchSetupURLs forwards every URL the binary announces on stdout.
func watchSetupURLs(r io.Reader) <-chan string {
	urls := make(chan string, 16)
	go func() {
		defer close(urls)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			if rest, ok := strings.CutPrefix(line, "Opening "); ok {
				urls <- strings.TrimSpace(rest)
			}
		}
	}()
	return urls
}

func getStateValue(dbPath, key string) (string, bool, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return "", false, err
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM update_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func countState(dbPath string) (int, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM update_state").Scan(&count)
	return count, err
}
