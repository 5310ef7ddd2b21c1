package bus

import (
	"fmt"
	"log/slog"

	"github.com/crunchkit/coordinator/internal/config"
)

// New builds the configured bus driver. The Postgres driver reuses the
// store DSN, so the default deployment signals through the database it
// already has.
func New(cfg config.BusConfig, storeDSN string, logger *slog.Logger) (Bus, error) {
	switch cfg.Driver {
	case config.BusDriverMemory:
		return NewMemory(), nil
	case config.BusDriverPostgres:
		return NewPostgres(storeDSN, logger), nil
	case config.BusDriverRedis:
		return NewRedis(cfg.RedisAddr()), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
