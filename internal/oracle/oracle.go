// Package oracle invokes non-deterministic text-generation services that
// answer with structured JSON.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"raffle/internal/apperr"
)

// Format is the declared shape of an oracle response.
type Format string

// FormatJSON asks for a single JSON object.
const FormatJSON Format = "json"

// Invoker runs one prompt against a generator. Failures are reported as
// apperr.CodeOracle errors. Invokers do not retry.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, format Format) (json.RawMessage, error)
}

// Func adapts a plain function to Invoker.
type Func func(ctx context.Context, prompt string, format Format) (json.RawMessage, error)

func (f Func) Invoke(ctx context.Context, prompt string, format Format) (json.RawMessage, error) {
	return f(ctx, prompt, format)
}

// Config captures the inputs required to construct a provider.
type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Factory builds an Invoker for a provider.
type Factory func(Config) (Invoker, error)

const defaultProvider = "openai"

var (
	mu        sync.RWMutex
	providers = map[string]Factory{}
)

// Register makes a provider available to New under name and aliases.
func Register(name string, factory Factory, aliases ...string) {
	mu.Lock()
	defer mu.Unlock()
	for _, n := range append([]string{name}, aliases...) {
		providers[strings.ToLower(n)] = factory
	}
}

// New returns the Invoker for cfg.Provider.
func New(cfg Config) (Invoker, error) {
	name := strings.TrimSpace(cfg.Provider)
	if name == "" {
		name = defaultProvider
	}

	mu.RLock()
	factory := providers[strings.ToLower(name)]
	mu.RUnlock()

	if factory == nil {
		return nil, fmt.Errorf("oracle: provider %q not registered", name)
	}
	return factory(cfg)
}

func oracleErr(message string, cause error) error {
	return apperr.Wrap(apperr.CodeOracle, message, cause)
}
