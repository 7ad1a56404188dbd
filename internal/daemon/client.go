package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
)

// Client connects to a running daemon via its Unix socket.
type Client struct {
	httpClient *http.Client
	socketPath string
	authToken  string
}

// NewClient creates a new daemon client. It reads the auth cookie from
// cookiePath.
func NewClient(socketPath, cookiePath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrDaemonNotRunning, socketPath)
	}

	token, err := os.ReadFile(cookiePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon cookie: %w", err)
	}

	c := &Client{
		socketPath: socketPath,
		authToken:  strings.TrimSpace(string(token)),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}

	return c, nil
}

func (c *Client) do(method, path string, body io.Reader, headers map[string]string) ([]byte, int, error) {
	url := "http://daemon" + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func (c *Client) doJSON(method, path string, body io.Reader, target any) error {
	data, status, err := c.do(method, path, body, nil)
	if err != nil {
		return err
	}

	if status >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("daemon: %s", errResp.Error)
		}
		return fmt.Errorf("daemon returned HTTP %d", status)
	}

	if target != nil {
		var raw struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if err := json.Unmarshal(raw.Data, target); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

func (c *Client) doText(method, path string, body io.Reader) (string, error) {
	data, status, err := c.do(method, path, body, map[string]string{"Accept": "text/plain"})
	if err != nil {
		return "", err
	}

	if status >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return "", fmt.Errorf("daemon: %s", errResp.Error)
		}
		return "", fmt.Errorf("daemon returned HTTP %d", status)
	}

	return string(data), nil
}

// Status returns the daemon's status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.doJSON("GET", "/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatusText returns the daemon's status as plain text.
func (c *Client) StatusText() (string, error) {
	return c.doText("GET", "/v1/status", nil)
}

// Connections returns the active peer connections.
func (c *Client) Connections() ([]ConnectionInfo, error) {
	var resp []ConnectionInfo
	if err := c.doJSON("GET", "/v1/connections", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AuthList returns the authorized peers.
func (c *Client) AuthList() ([]AuthEntry, error) {
	var resp []AuthEntry
	if err := c.doJSON("GET", "/v1/auth", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AuthAdd adds an authorized peer.
func (c *Client) AuthAdd(peerID, comment string) error {
	req := AuthAddRequest{PeerID: peerID, Comment: comment}
	body, _ := json.Marshal(req)
	return c.doJSON("POST", "/v1/auth", strings.NewReader(string(body)), nil)
}

// AuthRemove removes an authorized peer.
func (c *Client) AuthRemove(peerID string) error {
	return c.doJSON("DELETE", "/v1/auth/"+peerID, nil, nil)
}

// Connect asks the daemon to establish a P2P connection to peerID.
func (c *Client) Connect(peerID string) (*ConnectResponse, error) {
	req := ConnectRequest{PeerID: peerID}
	body, _ := json.Marshal(req)
	var resp ConnectResponse
	if err := c.doJSON("POST", "/v1/connect", strings.NewReader(string(body)), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitJob asks the daemon to bind a job's VM to a tunnel session.
func (c *Client) SubmitJob(req SubmitJobRequest) (*SubmitJobResponse, error) {
	body, _ := json.Marshal(req)
	var resp SubmitJobResponse
	if err := c.doJSON("POST", "/v1/jobs", strings.NewReader(string(body)), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown requests the daemon to shut down gracefully.
func (c *Client) Shutdown() error {
	return c.doJSON("POST", "/v1/shutdown", nil, nil)
}
