package events

import (
	"github.com/exchangecore/spotex/internal/config"
	"go-micro.dev/v4/broker"
	"go.uber.org/zap"
)

// NewBroker builds the go-micro broker used for cross-process event
// fan-out (§4.9 "optional multi-instance deployments"), or nil if the
// deployment is single-instance (cfg.Broker.Type empty). Connect/Disconnect
// lifecycle is the composition root's responsibility, mirroring how it
// owns the database connection and HTTP servers.
func NewBroker(cfg *config.Config, logger *zap.Logger) broker.Broker {
	if cfg.Broker.Type == "" {
		return nil
	}

	b := broker.NewBroker(broker.Addrs(cfg.Broker.Address))
	logger.Info("constructed cross-process event broker", zap.String("type", cfg.Broker.Type), zap.String("address", cfg.Broker.Address))
	return b
}
