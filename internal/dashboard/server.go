// Package dashboard hosts a small HTTP surface over the engine's
// published read model: the live signal table, per-expiry pin risk and
// IV smiles, expiry activity, recent logs and host resources.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"optflow/config"
	"optflow/internal/channel"
	"optflow/internal/engine"
	"optflow/logger"
)

// ViewSource supplies the engine's latest read-model snapshot.
type ViewSource interface {
	View() engine.View
}

// StatsSource reports channel throughput counters.
type StatsSource interface {
	GetStats() channel.Stats
}

// BackfillStarter accepts operator-requested history replays.
type BackfillStarter interface {
	StartManualBackfill(ctx context.Context, fromMs, toMs int64, instruments []string)
}

// Server hosts the Gin-powered monitoring endpoints for optflow.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	view       ViewSource
	stats      StatsSource
	control    BackfillStarter
	logs       *logCapture
	sampler    *hostSampler
	httpServer *http.Server
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When the dashboard is disabled the returned server is nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, view ViewSource, stats StatsSource, control BackfillStarter) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.ResourceHistory <= 0 {
		cfg.ResourceHistory = 200
	}

	logs := newLogCapture(cfg.LogHistory)
	log.AddHook(logs)

	return &Server{
		cfg:     cfg,
		log:     log,
		view:    view,
		stats:   stats,
		control: control,
		logs:    logs,
		sampler: newHostSampler(cfg.ResourceHistory, cfg.RefreshInterval, "/", log),
	}, nil
}

// Run starts the dashboard HTTP server and blocks until the provided
// context is cancelled or the underlying HTTP server exits with an
// error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	if s.logs != nil {
		s.logs.close()
	}
	s.sampler.stop()
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		view := s.view.View()
		c.JSON(http.StatusOK, gin.H{
			"service":    "optflow",
			"updated_ms": view.UpdatedMs,
			"big_unit":   view.BigUnit,
			"ref_price":  view.RefPrice,
			"signals":    len(view.Signals),
		})
	})

	router.GET("/api/signals", func(c *gin.Context) {
		view := s.view.View()
		payload := make([]gin.H, 0, len(view.Signals))
		for _, sig := range view.Signals {
			payload = append(payload, gin.H{
				"id":            sig.ID,
				"expiry_ms":     sig.ExpiryMs,
				"is_call":       sig.IsCall,
				"center_strike": sig.CenterStrike,
				"direction":     sig.Direction,
				"strong":        sig.Strong,
				"anchor_ts":     sig.AnchorTs,
				"residual_qty":  sig.ResidualQty,
				"abs_dvol":      sig.AbsDVol,
				"avg_abs_delta": sig.AvgAbsDelta,
				"notional_usd":  sig.NotionalUSD,
				"trades":        sig.TradeCount,
			})
		}
		c.JSON(http.StatusOK, gin.H{"updated_ms": view.UpdatedMs, "signals": payload})
	})

	router.GET("/api/pinrisk", func(c *gin.Context) {
		view := s.view.View()
		c.JSON(http.StatusOK, gin.H{"updated_ms": view.UpdatedMs, "pin_risk": view.PinRisk})
	})

	router.GET("/api/curves", func(c *gin.Context) {
		view := s.view.View()
		curves := make(map[int64][]gin.H, len(view.Curves))
		for exp, points := range view.Curves {
			rows := make([]gin.H, 0, len(points))
			for _, p := range points {
				rows = append(rows, gin.H{"strike": p.Strike, "iv": p.IV})
			}
			curves[exp] = rows
		}
		c.JSON(http.StatusOK, gin.H{"updated_ms": view.UpdatedMs, "curves": curves})
	})

	router.GET("/api/activity", func(c *gin.Context) {
		view := s.view.View()
		payload := make([]gin.H, 0, len(view.Activity))
		for _, row := range view.Activity {
			payload = append(payload, gin.H{
				"expiry_ms": row.ExpiryMs,
				"qty_all":   row.QtyAll,
				"qty_24h":   row.Qty24h,
				"qty_1h":    row.Qty1h,
			})
		}
		c.JSON(http.StatusOK, gin.H{"updated_ms": view.UpdatedMs, "activity": payload})
	})

	router.GET("/api/channels", func(c *gin.Context) {
		stats := s.stats.GetStats()
		c.JSON(http.StatusOK, gin.H{
			"trades_sent":     stats.TradesSent,
			"trades_dropped":  stats.TradesDropped,
			"tickers_sent":    stats.TickersSent,
			"tickers_dropped": stats.TickersDropped,
			"events_sent":     stats.EventsSent,
		})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		logsSnapshot := s.logs.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.POST("/api/backfill", func(c *gin.Context) {
		var req struct {
			FromMs      int64    `json:"from_ms"`
			ToMs        int64    `json:"to_ms"`
			Instruments []string `json:"instruments"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.FromMs <= 0 || req.ToMs <= req.FromMs {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from_ms must be positive and precede to_ms"})
			return
		}
		if s.control == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backfill control not wired"})
			return
		}
		// The replay outlives this request.
		s.control.StartManualBackfill(context.WithoutCancel(c.Request.Context()), req.FromMs, req.ToMs, req.Instruments)
		c.JSON(http.StatusAccepted, gin.H{
			"status":      "scheduled",
			"from_ms":     req.FromMs,
			"to_ms":       req.ToMs,
			"instruments": req.Instruments,
		})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.sampler.snapshot()
		payload := make([]gin.H, 0, len(snapshots))
		for _, snap := range snapshots {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"disk_used":      snap.DiskUsed,
				"disk_total":     snap.DiskTotal,
				"disk_percent":   snap.DiskPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
