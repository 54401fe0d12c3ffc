package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"agenticcore/internal/eventbus"
)

type Server struct {
	router *gin.Engine
	http   *http.Server
	store  AdminStore
	bus    *eventbus.Bus
	log    zerolog.Logger
}

func New(addr, jwtSecret string, store AdminStore, bus *eventbus.Bus, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	s := &Server{router: r, store: store, bus: bus, log: log.With().Str("component", "httpapi").Logger()}

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api", requireBearer(jwtSecret))
	api.GET("/bots", s.listBots)
	api.GET("/bots/:id", s.getBot)
	api.PATCH("/bots/:id", s.updateBot)
	api.GET("/bots/:id/sessions", s.listSessions)
	api.GET("/bots/:id/automations", s.listAutomations)
	api.GET("/events", s.streamEvents)

	s.http = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("httpapi listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (s *Server) listBots(c *gin.Context) {
	bots, err := s.store.ListBots(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bots)
}

func (s *Server) getBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	bot, err := s.store.GetBot(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bot)
}

func (s *Server) updateBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var upd BotUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bot, err := s.store.UpdateBot(c.Request.Context(), id, upd)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bot)
}

func (s *Server) listSessions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	sessions, err := s.store.ListSessions(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) listAutomations(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	automations, err := s.store.ListAutomations(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, automations)
}

// streamEvents is the SSE surface spec.md §4.9 implies for an operator
// console watching a bot's message/connection activity live, built on the
// same eventbus.Bus the core publishes MessageSent/BotConnected events to.
func (s *Server) streamEvents(c *gin.Context) {
	botID, _ := strconv.ParseInt(c.Query("botId"), 10, 64)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	ch := s.bus.Subscribe(ctx, eventbus.SubjectMessageSent, botID, botID != 0)
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, open := <-ch:
			if !open {
				return false
			}
			fmt.Fprintf(w, "event: %s\ndata: %v\n\n", evt.Subject, evt.Payload)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
