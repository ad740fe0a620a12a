// Command shelltender runs Shelltender standalone: it wires every
// component together and serves the HTTP/WebSocket surface on one port.
// The bootstrap-listener-then-swap pattern and signal-based graceful
// shutdown are grounded on the teacher's cmd/main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"shelltender/internal/adminproxy"
	"shelltender/internal/broadcast"
	"shelltender/internal/buffer"
	"shelltender/internal/config"
	"shelltender/internal/logging"
	"shelltender/internal/pattern"
	"shelltender/internal/pipeline"
	"shelltender/internal/server"
	"shelltender/internal/session"
	"shelltender/internal/store"
	"shelltender/internal/wsmux"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.Environment, cfg.LogLevel)
	log := logging.L()
	for _, w := range cfg.Warnings {
		log.Warn("configuration warning", zap.String("detail", w))
	}

	// Start a bootstrap HTTP listener immediately so health checks succeed
	// while the rest of the process (session restore, Redis dial) is still
	// coming up.
	var ready atomic.Bool
	var activeHandler atomic.Value // stores http.Handler

	bootstrap := gin.New()
	bootstrap.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "starting", "ready": ready.Load()})
	})
	activeHandler.Store(http.Handler(bootstrap))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			activeHandler.Load().(http.Handler).ServeHTTP(w, r)
		}),
	}
	serverErrors := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()
	log.Info("bootstrap listener started", zap.Int("port", cfg.Port))

	st := store.New(cfg.DataDir)
	if err := st.Init(); err != nil {
		log.Fatal("failed to initialize session store", zap.Error(err))
	}

	sessions := session.NewManager(st)
	buffers := buffer.NewManager(cfg.BufferCap)
	patterns := pattern.NewEngine()
	sessions.AttachPatternEngine(patterns)
	pipe := pipeline.New()
	if cfg.EnablePipeline {
		registerPipeline(pipe, cfg)
	}

	bcast, err := broadcast.New(cfg.RedisURL)
	if err != nil {
		log.Warn("failed to connect broadcast backend, falling back to local-only", zap.Error(err))
		bcast, _ = broadcast.New("")
	}

	admin := adminproxy.New(sessions, buffers, pipe)

	muxCfg := wsmux.Config{
		Path:           cfg.WSPath,
		MonitorAuthKey: cfg.MonitorAuthKey,
		CORSOrigins:    []string{cfg.CORSOrigin},
	}
	mux := wsmux.New(muxCfg, sessions, buffers, pipe, patterns, st, admin, bcast)

	sessions.RestoreAll()
	go mux.Run()
	go persistBuffersPeriodically(sessions, buffers, st)

	srv := server.New(cfg, sessions, buffers, pipe, st, bcast, mux)
	activeHandler.Store(http.Handler(srv.Engine()))
	ready.Store(true)
	log.Info("shelltender ready", zap.Int("port", cfg.Port), zap.String("wsPath", cfg.WSPath), zap.String("environment", cfg.Environment))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal("http server failed", zap.Error(err))
	case sig := <-quit:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}

	if err := bcast.Close(); err != nil {
		log.Warn("broadcast shutdown error", zap.Error(err))
	}

	logging.Sync()
}

// registerPipeline wires the built-in filters and processors. The filters
// (noBinary, maxDataSize) run before any processor; the processors then run
// by the priority baked into each builtin: the credit-card redactor (11,
// only when security is enabled) before ANSI stripping (45) and
// line-ending normalization (46).
func registerPipeline(pipe *pipeline.Pipeline, cfg *config.Config) {
	if cfg.EnableSecurity {
		pipe.RegisterProcessor(pipeline.CreditCardRedactor())
	}
	pipe.RegisterProcessor(pipeline.AnsiStripper())
	pipe.RegisterProcessor(pipeline.LineEndingNormalizer())
	pipe.RegisterFilter(pipeline.NoBinary())
	pipe.RegisterFilter(pipeline.MaxDataSize(1 << 20))
}

// persistBuffersPeriodically snapshots every live session's buffer to disk
// so a restart can restore recent scrollback. UpdateBuffer no-ops when the
// bytes are unchanged, so an idle session costs nothing beyond the tick.
func persistBuffersPeriodically(sessions *session.Manager, buffers *buffer.Manager, st *store.Store) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for _, sess := range sessions.GetAll() {
			data, _ := buffers.GetFull(sess.ID)
			_ = st.UpdateBuffer(sess.ID, data)
		}
	}
}
