// Package venue talks to the options exchange: a websocket reader for
// live prints and quote updates, and a rate-limited REST client for
// instrument listings, history and bulk summaries.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optflow/internal/channel"
	"optflow/logger"
)

// WSConfig configures the live reader.
type WSConfig struct {
	URL       string        `yaml:"url"`
	Currency  string        `yaml:"currency"`
	PingEvery time.Duration `yaml:"ping_every"`
}

// WSReader maintains one websocket session against the venue, forwards
// option prints and quote updates into the engine channels, and
// re-establishes the session with all subscriptions if it drops.
type WSReader struct {
	config   WSConfig
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu      sync.Mutex
	tickerSubs map[string]struct{}
}

func NewWSReader(cfg WSConfig, ch *channel.Channels) *WSReader {
	if cfg.PingEvery <= 0 {
		cfg.PingEvery = 20 * time.Second
	}
	return &WSReader{
		config:     cfg,
		channels:   ch,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
		tickerSubs: make(map[string]struct{}),
	}
}

// Start launches the stream goroutine. If the connection drops it will
// be re-established automatically until the context is cancelled.
func (r *WSReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("ws reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("ws_reader").WithFields(logger.Fields{"url": r.config.URL})
	log.WithFields(logger.Fields{"currency": r.config.Currency}).Info("starting venue websocket reader")
	r.wg.Add(1)
	go r.stream()
	return nil
}

// Stop waits for the stream goroutine to finish.
func (r *WSReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.WithComponent("ws_reader").Info("stopping venue websocket reader")
	r.wg.Wait()
	r.log.WithComponent("ws_reader").Info("venue websocket reader stopped")
}

func (r *WSReader) tradesChannel() string {
	return fmt.Sprintf("trades.option.%s.raw", r.config.Currency)
}

// SubscribeTickers adds per-instrument quote streams. The set survives
// reconnects.
func (r *WSReader) SubscribeTickers(instruments ...string) {
	channels := make([]string, 0, len(instruments))
	r.subMu.Lock()
	for _, inst := range instruments {
		if _, ok := r.tickerSubs[inst]; ok {
			continue
		}
		r.tickerSubs[inst] = struct{}{}
		channels = append(channels, fmt.Sprintf("ticker.%s.raw", inst))
	}
	r.subMu.Unlock()
	if len(channels) > 0 {
		r.subscribe(channels)
	}
}

func (r *WSReader) subscribe(channels []string) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return
	}
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "public/subscribe",
		"params":  map[string]interface{}{"channels": channels},
	}
	if err := r.conn.WriteJSON(req); err != nil {
		r.log.WithComponent("ws_reader").WithError(err).Warn("subscribe write failed")
	}
}

// resubscribeAll is called after every successful dial.
func (r *WSReader) resubscribeAll() {
	channels := []string{r.tradesChannel()}
	r.subMu.Lock()
	for inst := range r.tickerSubs {
		channels = append(channels, fmt.Sprintf("ticker.%s.raw", inst))
	}
	r.subMu.Unlock()
	r.subscribe(channels)
}

func (r *WSReader) stream() {
	defer r.wg.Done()
	log := r.log.WithComponent("ws_reader").WithFields(logger.Fields{"worker": "venue_stream"})

	sessions := 0
	for {
		if r.ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.Dial(r.config.URL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket, retrying")
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		r.connMu.Lock()
		r.conn = conn
		r.connMu.Unlock()
		r.resubscribeAll()

		sessions++
		if sessions > 1 {
			// The engine schedules a delta catch-up to cover the outage.
			r.channels.SendEvent(r.ctx, channel.Event{
				Kind: channel.EventReconnected,
				TsMs: time.Now().UnixMilli(),
			})
		}
		log.WithFields(logger.Fields{"session": sessions}).Info("venue websocket connected")

		pingTicker := time.NewTicker(r.config.PingEvery)
		done := make(chan struct{})
		go func() {
			defer pingTicker.Stop()
			for {
				select {
				case <-done:
					return
				case <-pingTicker.C:
					r.connMu.Lock()
					conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
					r.connMu.Unlock()
				}
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				close(done)
				conn.Close()
				r.connMu.Lock()
				r.conn = nil
				r.connMu.Unlock()
				if r.ctx.Err() == nil {
					log.WithError(err).Warn("websocket read error, reconnecting")
				}
				break
			}
			r.processMessage(msg)
		}

		select {
		case <-time.After(time.Second):
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *WSReader) processMessage(msg []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.log.WithComponent("ws_reader").WithError(err).Debug("failed to decode message")
		return
	}
	if env.Method != "subscription" {
		return
	}
	logger.IncrementLiveRead(len(msg))
	ch := env.Params.Channel
	logger.RecordChannelMessage(ch, len(msg))
	switch {
	case strings.HasPrefix(ch, "trades."):
		for _, tick := range parseTrades(env.Params.Data) {
			r.channels.SendTrade(r.ctx, tick)
		}
	case strings.HasPrefix(ch, "ticker."):
		if u, ok := parseTicker(channelInstrument(ch), env.Params.Data); ok {
			if !r.channels.SendTicker(r.ctx, u) && r.ctx.Err() == nil {
				r.log.WithComponent("ws_reader").Debug("ticker channel full, dropping update")
			}
		}
	}
}
