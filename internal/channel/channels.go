// Package channel carries the typed queues between the feed readers and
// the engine loop. Trades must never be lost, so their send blocks;
// tickers are last-write-wins state and may be dropped under pressure.
package channel

import (
	"context"
	"sync"

	"optflow/logger"
	"optflow/models"
)

type Stats struct {
	TradesSent     int64
	TradesDropped  int64
	TickersSent    int64
	TickersDropped int64
	EventsSent     int64
}

// Event is a control message for the engine loop: backfill completions,
// reconnects, snapshot requests.
type Event struct {
	Kind  EventKind
	Name  string
	Err   error
	TsMs  int64
	Count int
}

type EventKind int

const (
	EventBackfillDone EventKind = iota
	EventReconnected
	EventSaveSnapshot
)

type Channels struct {
	Trades    chan models.TradeTick
	Tickers   chan models.TickerUpdate
	RefPrices chan float64
	Events    chan Event

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(tradeBufferSize, tickerBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Trades:    make(chan models.TradeTick, tradeBufferSize),
		Tickers:   make(chan models.TickerUpdate, tickerBufferSize),
		RefPrices: make(chan float64, 4),
		Events:    make(chan Event, 64),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"trade_buffer_size":  tradeBufferSize,
		"ticker_buffer_size": tickerBufferSize,
	}).Info("engine channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Trades)
	close(c.Tickers)
	close(c.RefPrices)
	close(c.Events)
	c.log.WithComponent("channels").Info("engine channels closed")
}

// SendTrade blocks until the engine accepts the print or the context is
// cancelled. Prints are state-bearing and must not be shed.
func (c *Channels) SendTrade(ctx context.Context, t models.TradeTick) bool {
	select {
	case c.Trades <- t:
		c.statsMutex.Lock()
		c.stats.TradesSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		c.statsMutex.Lock()
		c.stats.TradesDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendTicker drops on a full buffer; a newer quote always follows.
func (c *Channels) SendTicker(ctx context.Context, u models.TickerUpdate) bool {
	select {
	case c.Tickers <- u:
		c.statsMutex.Lock()
		c.stats.TickersSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.TickersDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendRefPrice drops on a full buffer; the poller sends a fresh value
// on its next tick.
func (c *Channels) SendRefPrice(ctx context.Context, px float64) bool {
	select {
	case c.RefPrices <- px:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

// SendEvent blocks; control events are few and must arrive.
func (c *Channels) SendEvent(ctx context.Context, ev Event) bool {
	select {
	case c.Events <- ev:
		c.statsMutex.Lock()
		c.stats.EventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
