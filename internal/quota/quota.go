// Package quota tracks the account's remaining transcription allowance
// against a remote entitlement service.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrExhausted is returned when the account has no transcription minutes
// remaining.
var ErrExhausted = errors.New("quota: transcription allowance exhausted")

// Client talks to the entitlement service. It caches the last known balance
// so health endpoints can report it without a round trip.
type Client struct {
	url    string
	token  string
	client *http.Client
	log    zerolog.Logger

	mu        sync.Mutex
	lastKnown int
	haveCache bool
}

// NewClient creates a quota client. url is the entitlement service base URL.
func NewClient(url, token string, log zerolog.Logger) *Client {
	return &Client{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("component", "quota").Logger(),
	}
}

// Enabled reports whether a quota service is configured. With no service,
// recognition is unmetered.
func (c *Client) Enabled() bool { return c != nil && c.url != "" }

type balanceResponse struct {
	RemainingTranscription int `json:"remaining_transcription"`
}

// Remaining fetches the current balance in minutes.
func (c *Client) Remaining(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/v1/quota", nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("quota fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, fmt.Errorf("quota fetch: status %d: %s", resp.StatusCode, body)
	}

	var br balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return 0, fmt.Errorf("quota decode: %w", err)
	}

	c.setLastKnown(br.RemainingTranscription)
	return br.RemainingTranscription, nil
}

// CheckAvailable verifies at least one minute of allowance remains. Returns
// ErrExhausted on a zero or negative balance.
func (c *Client) CheckAvailable(ctx context.Context) error {
	remaining, err := c.Remaining(ctx)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		return ErrExhausted
	}
	return nil
}

type chargeRequest struct {
	Minutes int `json:"minutes"`
}

// Charge deducts minutes from the balance. Called only after a chunk
// recognizes successfully; failed chunks are never billed.
func (c *Client) Charge(ctx context.Context, minutes int) error {
	if minutes <= 0 {
		return nil
	}

	body, err := json.Marshal(chargeRequest{Minutes: minutes})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/quota/charge", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("quota charge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("quota charge: status %d: %s", resp.StatusCode, respBody)
	}

	var br balanceResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&br); err == nil {
			c.setLastKnown(br.RemainingTranscription)
		}
	}

	c.log.Debug().Int("minutes", minutes).Msg("quota charged")
	return nil
}

// LastKnown returns the cached balance and whether one has been fetched.
func (c *Client) LastKnown() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastKnown, c.haveCache
}

func (c *Client) setLastKnown(v int) {
	c.mu.Lock()
	c.lastKnown = v
	c.haveCache = true
	c.mu.Unlock()
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
