// Package gamehost is the client for the Game Host RPC peer: the process
// that runs one match's simulation.  The orchestrator starts a game once
// every agent is reachable and then polls it until it finishes.
package gamehost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/terrpan/arena/internal/job"
)

// State is a game's lifecycle position as reported by the host.
type State string

const (
	StateWaiting  State = "waiting"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// InProgress reports whether the game has not reached a final state.
func (s State) InProgress() bool {
	return s == StateWaiting || s == StateRunning
}

// AgentEndpoint tells the host where an agent listens.
type AgentEndpoint struct {
	AgentID string `json:"agent_id"`
	Address string `json:"address"`
}

// Config tunes the simulation.
type Config struct {
	TickRateMS  int `json:"tick_rate_ms" yaml:"tick_rate_ms"`
	ArenaWidth  int `json:"arena_width" yaml:"arena_width"`
	ArenaHeight int `json:"arena_height" yaml:"arena_height"`
}

// StartRequest is the StartGame payload.  GameID is chosen by the caller
// and stays the same across retries, so a host that already started that
// game answers with it instead of starting a second one.
type StartRequest struct {
	GameID string          `json:"game_id"`
	Agents []AgentEndpoint `json:"agents"`
	Config Config          `json:"config"`
}

type startResponse struct {
	GameID string `json:"game_id"`
}

// Placement is one agent's final standing.  Placements are ordered best
// first.
type Placement struct {
	AgentID  string `json:"agent_id"`
	Position int    `json:"position"`
	Score    int    `json:"score"`
}

// Status is the GetStatus response.
type Status struct {
	GameID      string      `json:"game_id"`
	State       State       `json:"state"`
	CurrentTick int64       `json:"current_tick"`
	Placements  []Placement `json:"placements,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Client talks to game hosts.  endpoint is the host:port reported by the
// provider for the game host resource.
type Client interface {
	StartGame(ctx context.Context, endpoint string, req StartRequest) (gameID string, err error)
	GetStatus(ctx context.Context, endpoint, gameID string) (Status, error)
}

// RejectedError is returned when the host answered but refused the call.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("game host rejected request: %d %s", e.Code, e.Message)
}

// HTTPClient implements Client over HTTP/JSON.
type HTTPClient struct {
	http *http.Client
}

// Compile-time check.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client whose calls give up after timeout.  The
// timeout must stay below the driver tick so one hung host cannot stall
// other matches.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// StartGame asks the host to start a game with the given agents.
func (c *HTTPClient) StartGame(ctx context.Context, endpoint string, req StartRequest) (string, error) {
	var resp startResponse
	if err := c.do(ctx, http.MethodPost, endpoint, "/v1/games", req, &resp); err != nil {
		return "", err
	}
	if resp.GameID == "" {
		return "", &RejectedError{Code: http.StatusOK, Message: "no game id in response"}
	}
	return resp.GameID, nil
}

// GetStatus fetches the game's current state.
func (c *HTTPClient) GetStatus(ctx context.Context, endpoint, gameID string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, endpoint, "/v1/games/"+url.PathEscape(gameID), nil, &st)
	return st, err
}

// do performs one call.  Transport failures and 5xx answers wrap
// job.ErrTransientUnavailable; 4xx answers are *RejectedError.
func (c *HTTPClient) do(ctx context.Context, method, endpoint, path string, in, out any) error {
	if endpoint == "" {
		return fmt.Errorf("game host endpoint unknown: %w", job.ErrTransientUnavailable)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://"+endpoint+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", job.ErrTransientUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: game host returned %d: %s", job.ErrTransientUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
		}
		return &RejectedError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding game host response: %w", err)
	}
	return nil
}

// IsTransient reports whether err is worth retrying on a later tick.
func IsTransient(err error) bool {
	return errors.Is(err, job.ErrTransientUnavailable)
}
