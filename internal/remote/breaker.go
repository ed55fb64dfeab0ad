package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tombolacan/tombola/internal/record"
)

// BreakerConfig tunes the circuit breaker around a gateway.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state count reset period, 0 keeps counts
	Timeout          time.Duration // open-state duration before probing
	FailureThreshold uint32        // consecutive failures that open the circuit
	Logger           zerolog.Logger
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "remote",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		Logger:           zerolog.Nop(),
	}
}

// BreakerGateway wraps a Gateway with a circuit breaker. Once the backend
// keeps failing, calls fail fast with a transient error instead of waiting
// for a timeout on every record.
type BreakerGateway struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker[interface{}]
}

// NewBreakerGateway wraps next.
func NewBreakerGateway(next Gateway, cfg BreakerConfig) (*BreakerGateway, error) {
	if next == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}

	logger := cfg.Logger
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// A duplicate key is a healthy backend answering a business error
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDuplicateKey)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &BreakerGateway{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[interface{}](settings),
	}, nil
}

// State returns the breaker state for monitoring.
func (g *BreakerGateway) State() string {
	return g.cb.State().String()
}

func (g *BreakerGateway) InsertRecord(ctx context.Context, rec *record.Record) (string, error) {
	v, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.InsertRecord(ctx, rec)
	})
	return asString(v), wrapBreakerErr(err)
}

func (g *BreakerGateway) UploadAttachment(ctx context.Context, ownerKey, recordKey string, data []byte) (string, error) {
	v, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.UploadAttachment(ctx, ownerKey, recordKey, data)
	})
	return asString(v), wrapBreakerErr(err)
}

func (g *BreakerGateway) ExistsByInvoice(ctx context.Context, invoice string) (bool, error) {
	v, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.ExistsByInvoice(ctx, invoice)
	})
	exists, _ := v.(bool)
	return exists, wrapBreakerErr(err)
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// wrapBreakerErr turns breaker rejections into transient remote errors.
func wrapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Message: "remote unavailable", Err: err}
	}
	return err
}
