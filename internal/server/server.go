// Package server wires Shelltender's HTTP surface: health, session
// listing, admin inspection/control, the doctor diagnostic endpoint, the
// WebSocket upgrade route, and Prometheus metrics. Grounded on the
// teacher's cmd/main.go bootstrap-listener pattern and api.Server's
// Health/AdminDashboard handler shapes.
package server

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"shelltender/internal/buffer"
	"shelltender/internal/broadcast"
	"shelltender/internal/config"
	"shelltender/internal/httpmw"
	"shelltender/internal/logging"
	"shelltender/internal/pipeline"
	"shelltender/internal/session"
	"shelltender/internal/store"
	"shelltender/internal/wsmux"
)

// Server owns the gin engine and every component it needs to answer the
// HTTP surface.
type Server struct {
	cfg      *config.Config
	sessions *session.Manager
	buffers  *buffer.Manager
	pipe     *pipeline.Pipeline
	st       *store.Store
	bcast    broadcast.Broadcaster
	mux      *wsmux.Multiplexer

	logger *zap.Logger
}

// New constructs a Server. Call Engine to obtain the configured *gin.Engine.
func New(cfg *config.Config, sessions *session.Manager, buffers *buffer.Manager, pipe *pipeline.Pipeline, st *store.Store, bcast broadcast.Broadcaster, mux *wsmux.Multiplexer) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		buffers:  buffers,
		pipe:     pipe,
		st:       st,
		bcast:    bcast,
		mux:      mux,
		logger:   logging.Named("server"),
	}
}

// Engine builds the fully configured gin.Engine, ready to serve.
func (s *Server) Engine() *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(httpmw.Recovery())
	r.Use(httpmw.RequestID())
	r.Use(httpmw.CORS(s.cfg.CORSOrigin))
	if s.cfg.EnableRateLimit {
		r.Use(httpmw.RateLimit(httpmw.NewIPRateLimiter(20, 40)))
	}

	r.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/health", s.health)
		api.GET("/sessions", s.listSessions)
		api.DELETE("/sessions/:id", s.killSession)

		admin := api.Group("/admin")
		{
			admin.GET("/sessions", s.adminListSessions)
			admin.GET("/sessions/:id", s.adminGetSession)
			admin.DELETE("/sessions/:id", s.killSession)
			admin.POST("/sessions/bulk", s.adminBulkSessions)
			admin.POST("/sessions/kill-all", s.adminKillAll)
		}

		api.GET("/shelltender/doctor", s.doctor)
	}

	r.GET(s.cfg.WSPath, func(c *gin.Context) {
		s.mux.HandleUpgrade(c.Writer, c.Request)
	})

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "wsPath": s.cfg.WSPath})
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.GetAll())
}

func (s *Server) killSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.sessions.Kill(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.buffers.Drop(id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type adminSessionMeta struct {
	store.Session
	BufferBytes int `json:"bufferBytes"`
}

func (s *Server) adminListSessions(c *gin.Context) {
	all := s.sessions.GetAll()
	metas := make([]adminSessionMeta, 0, len(all))
	for _, sess := range all {
		data, _ := s.buffers.GetFull(sess.ID)
		metas = append(metas, adminSessionMeta{Session: sess, BufferBytes: len(data)})
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": metas,
		"system": gin.H{
			"totalMemory": totalMemory(),
			"platform":    runtime.GOOS,
		},
	})
}

func (s *Server) adminGetSession(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found: " + id})
		return
	}
	data, lastSeq := s.buffers.GetFull(id)
	recent := data
	const recentWindow = 4096
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}
	c.JSON(http.StatusOK, gin.H{
		"session":       sess,
		"bufferSize":    len(data),
		"lastSequence":  lastSeq,
		"recentOutput":  string(recent),
	})
}

type bulkSessionsRequest struct {
	Action     string   `json:"action"`
	SessionIDs []string `json:"sessionIds"`
}

func (s *Server) adminBulkSessions(c *gin.Context) {
	var req bulkSessionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Action != "kill" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported action: " + req.Action})
		return
	}
	killed := 0
	for _, id := range req.SessionIDs {
		if err := s.sessions.Kill(id); err == nil {
			s.buffers.Drop(id)
			killed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"killed": killed, "total": len(req.SessionIDs)})
}

func (s *Server) adminKillAll(c *gin.Context) {
	killed, total := s.sessions.KillAll()
	c.JSON(http.StatusOK, gin.H{"killed": killed, "total": total})
}

func (s *Server) doctor(c *gin.Context) {
	checks := gin.H{
		"server":         true,
		"websocket":      true,
		"pipeline":       s.cfg.EnablePipeline,
		"sessionManager": true,
		"bufferManager":  true,
		"redisConnected": s.bcast.Connected(),
		"instanceId":     s.bcast.InstanceID(),
	}

	var suggestions []string
	if s.cfg.RedisURL == "" {
		suggestions = append(suggestions, "SHELLTENDER_REDIS_URL is unset; cross-instance broadcast is disabled and every session is assumed local")
	} else if !s.bcast.Connected() {
		suggestions = append(suggestions, "SHELLTENDER_REDIS_URL is set but Redis is unreachable; check connectivity")
	}
	if s.cfg.MonitorAuthKey == "" {
		suggestions = append(suggestions, "SHELLTENDER_MONITOR_AUTH_KEY is unset; monitor-all connections cannot authenticate")
	}
	if len(s.cfg.Warnings) > 0 {
		suggestions = append(suggestions, s.cfg.Warnings...)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"checks":      checks,
		"config":      s.cfg,
		"suggestions": suggestions,
	})
}

func totalMemory() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}
