package bus

import (
	"github.com/gatehouse/gatehouse/internal/common/config"
	"github.com/gatehouse/gatehouse/internal/common/logger"
)

// NewFromConfig returns a NATS-backed bus when a URL is configured,
// otherwise the in-memory bus.
func NewFromConfig(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
