package httpapi

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultRequestTimeout = 5 * time.Second
	defaultShutdownGrace  = 5 * time.Second
)

// Config aggregates runtime settings for the reservations HTTP API.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	RequestTimeout   time.Duration
	ShutdownGrace    time.Duration
	CategoryCapacity map[string]int
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.CategoryCapacity == nil {
		cfg.CategoryCapacity = map[string]int{}
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	for category, capacity := range cfg.CategoryCapacity {
		if strings.TrimSpace(category) == "" {
			return fmt.Errorf("category capacity: empty category")
		}
		if capacity < 0 {
			return fmt.Errorf("category capacity: %s must not be negative", category)
		}
	}
	return nil
}

// Capacity returns the configured capacity of a resource category.
func (cfg Config) Capacity(category string) (int, bool) {
	capacity, ok := cfg.CategoryCapacity[category]
	return capacity, ok
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	return splitList(raw)
}

// splitList returns the trimmed, non-empty items of a comma-delimited value.
func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParseCategoryCapacity reads "category=n,category=n" into a map.
func ParseCategoryCapacity(raw string) (map[string]int, error) {
	capacities := map[string]int{}
	for _, pair := range splitList(raw) {
		category, value, found := strings.Cut(pair, "=")
		category = strings.TrimSpace(category)
		if !found || category == "" {
			return nil, fmt.Errorf("category capacity %q: expected category=n", pair)
		}
		capacity, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || capacity < 0 {
			return nil, fmt.Errorf("category capacity %q: expected a non-negative integer", pair)
		}
		capacities[category] = capacity
	}
	return capacities, nil
}
