package backend

import (
	"fmt"
	"sync"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/service"
	"go.uber.org/zap"
)

// Config holds the backend connection settings.
type Config struct {
	Type               string // transport type, "https" by default
	BaseURL            string
	GenerationPath     string // default generation endpoint, overridable per call
	PublicKey          string // base64 X25519 public key used to wrap request keys
	TimeoutSeconds     int    // response-header timeout
	IdleTimeoutSeconds int    // per-read idle timeout on the SSE stream
}

// --- Transport Factory Registry ---
// Transports register themselves via init() in this package.
// Adding a transport type = implement service.BackendTransport + RegisterFactory.

// Factory creates a transport from config.
type Factory func(cfg Config, logger *zap.Logger) service.BackendTransport

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers a transport factory for the given type name.
func RegisterFactory(typeName string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// CreateTransport creates a transport using the registered factory for
// cfg.Type. An empty type defaults to "https".
func CreateTransport(cfg Config, logger *zap.Logger) (service.BackendTransport, error) {
	t := cfg.Type
	if t == "" {
		t = "https"
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()

	if !ok {
		available := make([]string, 0, len(factories))
		factoryMu.RLock()
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown transport type %q (available: %v)", t, available)
	}

	return factory(cfg, logger), nil
}
