package recognize

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// UsageCounter tracks remaining transcription allowance. Charge is called
// only after a chunk recognizes successfully, so failed chunks never consume
// allowance.
type UsageCounter interface {
	Charge(ctx context.Context, minutes int) error
}

// Client wraps a Provider with bounded retry and usage accounting.
type Client struct {
	provider Provider
	usage    UsageCounter // may be nil
	attempts int
	backoff  time.Duration
	log      zerolog.Logger
}

// NewClient creates a retrying recognition client. attempts is the total
// number of tries per chunk (default 3); only transient failures retry.
func NewClient(p Provider, usage UsageCounter, attempts int, log zerolog.Logger) *Client {
	if attempts <= 0 {
		attempts = 3
	}
	return &Client{
		provider: p,
		usage:    usage,
		attempts: attempts,
		backoff:  time.Second,
		log:      log.With().Str("component", "recognize").Str("provider", p.Name()).Logger(),
	}
}

// Provider returns the wrapped backend.
func (c *Client) Provider() Provider { return c.provider }

// Recognize sends one chunk, retrying transient failures with exponential
// backoff. Quota, unauthenticated, and malformed failures return immediately.
// On success the usage counter is charged BillableMinutes(audioSeconds).
func (c *Client) Recognize(ctx context.Context, req Request, audioSeconds float64) (*Result, error) {
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			wait := c.backoff << (attempt - 2)
			if wait > 30*time.Second {
				wait = 30 * time.Second
			}
			c.log.Debug().Int("attempt", attempt).Dur("backoff", wait).Msg("retrying recognition")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		res, err := c.provider.Recognize(ctx, req)
		if err == nil {
			if c.usage != nil {
				if chargeErr := c.usage.Charge(ctx, BillableMinutes(audioSeconds)); chargeErr != nil {
					c.log.Warn().Err(chargeErr).Msg("usage charge failed")
				}
			}
			return res, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if ErrKind(err) != KindTransient {
			return nil, err
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("transient recognition failure")
	}

	return nil, lastErr
}

// BillableMinutes rounds audio seconds up to whole minutes, minimum 1 for
// any non-empty audio.
func BillableMinutes(seconds float64) int {
	if seconds <= 0 {
		return 0
	}
	return int(math.Ceil(seconds / 60))
}
