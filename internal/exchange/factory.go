package exchange

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"basis_arb/internal/config"
	"basis_arb/internal/core"
	"basis_arb/internal/exchange/gate"
	"basis_arb/internal/exchange/mexc"
	"basis_arb/internal/mock"
	"basis_arb/pkg/concurrency"
)

// NewVenuePair builds the public and private adapters for a named venue.
// The mock venue backs tests and dry runs; it needs no credentials.
func NewVenuePair(name string, cfg config.VenueConfig, pool *concurrency.DispatchPool, logger core.ILogger) (core.IPublicExchange, core.IPrivateExchange, error) {
	if cfg.APIKey.IsSet() {
		logger.Info("venue credentials loaded", "venue", name, "api_key", cfg.APIKey.Fingerprint())
	}
	switch strings.ToLower(name) {
	case "mexc":
		opts := mexc.Options{
			APIKey:           cfg.APIKey.Value(),
			SecretKey:        cfg.SecretKey.Value(),
			BaseURL:          cfg.BaseURL,
			WsURL:            cfg.WsURL,
			RecvWindowMS:     cfg.RecvWindowMS,
			PublicRateLimit:  cfg.PublicRateLimit,
			TradingRateLimit: cfg.TradingRateLimit,
			PingInterval:     cfg.PingInterval(),
		}
		return mexc.NewPublic(opts, pool, logger), mexc.NewPrivate(opts, logger), nil

	case "gate":
		opts := gate.Options{
			APIKey:           cfg.APIKey.Value(),
			SecretKey:        cfg.SecretKey.Value(),
			BaseURL:          cfg.BaseURL,
			WsURL:            cfg.WsURL,
			PublicRateLimit:  cfg.PublicRateLimit,
			TradingRateLimit: cfg.TradingRateLimit,
			PingInterval:     cfg.PingInterval(),
		}
		return gate.NewPublic(opts, pool, logger), gate.NewPrivate(opts, logger), nil

	case "mock":
		v := mock.NewVenue(name)
		return v.Public(), v.Private(), nil

	default:
		return nil, nil, fmt.Errorf("unsupported venue: %s", name)
	}
}

// BuildLegs constructs the spot and futures legs for one task. Spot
// initializes first (priority 0) so market data is flowing before the
// futures surface comes up.
func BuildLegs(task config.TaskConfig, venues map[string]config.VenueConfig, pool *concurrency.DispatchPool, logger core.ILogger) ([]*Leg, error) {
	spotName := task.SpotVenueOrDefault()
	futName := task.FuturesVenueOrDefault()

	spotPub, spotPriv, err := NewVenuePair(spotName, venues[spotName], pool, logger)
	if err != nil {
		return nil, fmt.Errorf("task %s spot venue: %w", task.ID, err)
	}
	futPub, futPriv, err := NewVenuePair(futName, venues[futName], pool, logger)
	if err != nil {
		return nil, fmt.Errorf("task %s futures venue: %w", task.ID, err)
	}

	maxPos := decimal.NewFromFloat(task.MaxOrderQtyBase)
	return []*Leg{
		{
			Role:        core.RoleSpot,
			Symbol:      core.Symbol{Base: task.Base, Quote: task.Quote},
			Public:      spotPub,
			Private:     spotPriv,
			MaxPosition: maxPos,
			Priority:    0,
		},
		{
			Role:        core.RoleFutures,
			Symbol:      core.Symbol{Base: task.Base, Quote: task.Quote, Futures: true},
			Public:      futPub,
			Private:     futPriv,
			MaxPosition: maxPos,
			Priority:    1,
		},
	}, nil
}
