// Package refprice keeps the engine supplied with an underlying
// reference price. The venue's perpetual index is the primary source;
// when it is unreachable the poller falls back to the spot price on
// Binance so notional and delta estimates keep moving.
package refprice

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"optflow/internal/channel"
	"optflow/logger"
)

// Primary is the venue-side price source.
type Primary interface {
	ReferencePrice(ctx context.Context) (float64, error)
}

type Config struct {
	Interval       time.Duration `yaml:"interval"`
	FallbackSymbol string        `yaml:"fallback_symbol"`
}

type Poller struct {
	config   Config
	primary  Primary
	spot     *binance.Client
	channels *channel.Channels
	log      *logger.Entry
}

func NewPoller(cfg Config, primary Primary, ch *channel.Channels) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.FallbackSymbol == "" {
		cfg.FallbackSymbol = "BTCUSDT"
	}
	return &Poller{
		config:   cfg,
		primary:  primary,
		spot:     binance.NewClient("", ""),
		channels: ch,
		log:      logger.GetLogger().WithComponent("refprice"),
	}
}

// Run polls until the context ends. The first poll happens immediately
// so the engine does not start with a zero reference.
func (p *Poller) Run(ctx context.Context) {
	p.poll(ctx)
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	px, err := p.primary.ReferencePrice(ctx)
	if err != nil || px <= 0 {
		if err != nil {
			p.log.WithError(err).Debug("venue reference unavailable, trying fallback")
		}
		px = p.fallback(ctx)
	}
	if px <= 0 {
		p.log.Warn("no reference price available this cycle")
		return
	}
	p.channels.SendRefPrice(ctx, px)
}

func (p *Poller) fallback(ctx context.Context) float64 {
	prices, err := p.spot.NewListPricesService().Symbol(p.config.FallbackSymbol).Do(ctx)
	if err != nil || len(prices) == 0 {
		p.log.WithError(err).Debug("fallback price lookup failed")
		return 0
	}
	px, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0
	}
	return px
}
