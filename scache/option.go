package scache

import (
	"fmt"
	"time"
)

const (
	defaultCacheCapacity = 50
	defaultDebounce      = 200 * time.Millisecond
	defaultMargin        = 1.0
)

type config struct {
	cacheCapacity int
	debounce      time.Duration
	margin        float64
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		cacheCapacity: defaultCacheCapacity,
		debounce:      defaultDebounce,
		margin:        defaultMargin,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithCacheCapacity sets the maximum number of per-channel entries held
// before least-recently-used eviction. Must be positive.
//
// Default is 50.
func WithCacheCapacity(capacity int) Option {
	return func(cfg *config) error {
		if capacity <= 0 {
			return fmt.Errorf("cache capacity must be positive, got %d", capacity)
		}
		cfg.cacheCapacity = capacity
		return nil
	}
}

// WithDebounce sets how long the orchestrator waits after the last
// parameter change before consulting the cache or the network. This absorbs
// continuous interaction such as drag-scrubbing a time slider.
//
// Default is 200ms.
func WithDebounce(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return fmt.Errorf("debounce interval must not be negative, got %s", d)
		}
		cfg.debounce = d
		return nil
	}
}

// WithWindowMargin sets the buffer added to each side of the visible
// window, as a multiple of the window length. Fetching more than is visible
// lets pans and zooms within the margin be served from cache. Zero disables
// buffering.
//
// Default is 1.0, one window length on each side.
func WithWindowMargin(margin float64) Option {
	return func(cfg *config) error {
		if margin < 0 {
			return fmt.Errorf("window margin must not be negative, got %f", margin)
		}
		cfg.margin = margin
		return nil
	}
}
