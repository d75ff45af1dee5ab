package similarity

import (
	"context"
	"sync"
	"time"

	"github.com/concilia-dev/concilia/pkg/errors"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// BreakerConfig configures circuit breaker behavior
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit
	FailureThreshold int `json:"failure_threshold"`

	// Cooldown is how long the circuit stays open before a probe is allowed
	Cooldown time.Duration `json:"cooldown"`
}

// DefaultBreakerConfig returns sane breaker defaults
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker wraps a Provider with a circuit breaker. While the circuit is open
// calls fail fast with a circuit-open error, which the scorer treats as a
// degradation signal. A single probe is allowed after the cooldown; success
// closes the circuit.
type Breaker struct {
	inner  Provider
	config *BreakerConfig
	logger logger.Logger

	mutex       sync.Mutex
	failures    int
	openedAt    time.Time
	open        bool
	halfOpen    bool
}

// NewBreaker wraps the given provider with a circuit breaker
func NewBreaker(inner Provider, config *BreakerConfig, log logger.Logger) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Breaker{
		inner:  inner,
		config: config,
		logger: log.WithComponent("similarity_breaker"),
	}
}

// Similarity delegates to the wrapped provider when the circuit allows it
func (b *Breaker) Similarity(ctx context.Context, a, s string) (float64, error) {
	if err := b.before(); err != nil {
		return 0, err
	}

	score, err := b.inner.Similarity(ctx, a, s)
	b.after(err)
	if err != nil {
		return 0, err
	}

	return score, nil
}

// State returns "open", "half-open" or "closed" for observability
func (b *Breaker) State() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch {
	case b.open:
		return "open"
	case b.halfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func (b *Breaker) before() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.open {
		return nil
	}

	if time.Since(b.openedAt) < b.config.Cooldown {
		return errors.ExternalServiceError(errors.CodeCircuitOpen, "similarity", nil)
	}

	// Cooldown elapsed: allow one probe through
	b.open = false
	b.halfOpen = true
	b.logger.Info("Similarity circuit half-open, probing")
	return nil
}

func (b *Breaker) after(err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if err == nil {
		if b.halfOpen || b.failures > 0 {
			b.logger.Info("Similarity circuit closed")
		}
		b.failures = 0
		b.halfOpen = false
		return
	}

	b.failures++
	if b.halfOpen || b.failures >= b.config.FailureThreshold {
		b.open = true
		b.halfOpen = false
		b.openedAt = time.Now()
		b.logger.WithFields(logger.Fields{
			"failures": b.failures,
			"cooldown": b.config.Cooldown.String(),
		}).Warn("Similarity circuit opened")
	}
}
