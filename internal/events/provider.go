package events

import (
	"fmt"
	"strings"

	"github.com/agentloop/agentloop/internal/common/config"
	"github.com/agentloop/agentloop/internal/common/logger"
	"github.com/agentloop/agentloop/internal/events/bus"
)

// ProvidedBus holds the active bus plus the concrete implementation
// behind it, for callers that need implementation-specific access.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide picks the bus implementation from config. A NATS URL selects
// the NATS bus; otherwise events stay in process. The returned cleanup
// closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize NATS event bus: %w", err)
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, memBus.Close, nil
}
