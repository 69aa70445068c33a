// Package gateway exposes mesh state over HTTP and WebSocket. It is a
// read-mostly surface: queries go straight to the store, sends go
// through the session, and live updates relay the event feed.
//
// Ownership boundary: gateway owns the router and client sockets only.
// It never mutates mesh state directly.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/meshmon/meshmon/internal/mesh"
	"github.com/meshmon/meshmon/internal/mesh/feed"
	"github.com/meshmon/meshmon/internal/observability"
	"github.com/meshmon/meshmon/internal/radio"
)

// Radio is the slice of the radio client the gateway reports on.
type Radio interface {
	Status() radio.Status
}

// Sender accepts outbound messages for transmission.
type Sender interface {
	SendMessage(ctx context.Context, req radio.SendRequest) (mesh.Message, error)
	Outbox() *radio.Outbox
}

type Server struct {
	addr    string
	store   *mesh.Store
	sender  Sender
	radio   Radio
	events  *feed.Feed
	router  *gin.Engine
	started time.Time

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func New(addr string, store *mesh.Store, sender Sender, r Radio, events *feed.Feed, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(observability.RequestLogger(log.Logger))
	engine.Use(observability.RequestMetricsMiddleware())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = engine.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		addr:    addr,
		store:   store,
		sender:  sender,
		radio:   r,
		events:  events,
		router:  engine,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced by the cors middleware on
			// the HTTP side; the upgrade itself accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/nodes", s.handleNodes)
	api.GET("/channels", s.handleChannels)
	api.GET("/messages", s.handleMessages)
	api.GET("/messages/:id/reactions", s.handleReactions)
	api.GET("/outbox", s.handleOutbox)
	api.POST("/messages", s.handleSend)
	api.GET("/events", s.handleEvents)
}

func (s *Server) handleStatus(c *gin.Context) {
	nodes, channels, messages := s.store.Counts()
	c.JSON(http.StatusOK, gin.H{
		"radio":       s.radio.Status(),
		"nodes":       nodes,
		"channels":    channels,
		"messages":    messages,
		"pending":     s.sender.Outbox().Len(),
		"subscribers": s.events.SubscriberCount(),
		"uptime":      time.Since(s.started).String(),
	})
}

func (s *Server) handleNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.store.QueryNodes()})
}

func (s *Server) handleChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": s.store.QueryChannels()})
}

func (s *Server) handleMessages(c *gin.Context) {
	var q mesh.MessageQuery

	if raw := c.Query("channel"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "channel must be a non-negative integer"})
			return
		}
		ch := uint32(v)
		q.Channel = &ch
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		q.Since = t
	}
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = v
	}

	c.JSON(http.StatusOK, gin.H{"messages": s.store.QueryMessages(q)})
}

func (s *Server) handleReactions(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.store.GetMessage(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": s.store.Reactions(id)})
}

func (s *Server) handleOutbox(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.sender.Outbox().List()})
}

func (s *Server) handleSend(c *gin.Context) {
	var req radio.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	msg, err := s.sender.SendMessage(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, radio.ErrTextRequired),
			errors.Is(err, radio.ErrTextTooLong),
			errors.Is(err, radio.ErrChannelRange),
			errors.Is(err, radio.ErrBadDestination),
			errors.Is(err, radio.ErrBadReplyID):
			status = http.StatusBadRequest
		case errors.Is(err, radio.ErrNotConnected):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

// handleEvents upgrades to WebSocket and relays the feed until the
// client disconnects. A subscriber that cannot keep up loses events
// rather than stalling the feed, so each relayed event is best-effort.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := s.events.Subscribe()
	observability.SetFeedSubscribers(s.events.SubscriberCount())
	defer func() {
		s.events.Unsubscribe(sub)
		observability.SetFeedSubscribers(s.events.SubscriberCount())
		conn.Close()
	}()

	// Reader goroutine only surfaces the close; inbound data is ignored.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve() error {
	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.router}
	log.Info().Str("addr", s.addr).Msg("gateway listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:5173"}
	}
	return origins
}
