// Package gateway exposes the HTTP surface: thin wrappers over the agent
// loop, session store, and cron service.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/robun/robun/internal/bus"
	"github.com/robun/robun/internal/config"
	"github.com/robun/robun/internal/cron"
	"github.com/robun/robun/internal/session"
)

// AgentRunner is the slice of the agent loop the gateway needs.
type AgentRunner interface {
	ProcessDirect(ctx context.Context, content, sessionKey, channel, chatID string) (string, error)
}

// SubagentCounter reports in-flight background agents for /status.
type SubagentCounter interface {
	ActiveCount() int
}

// Handler handles HTTP requests.
type Handler struct {
	agent     AgentRunner
	sessions  *session.Store
	cron      *cron.Service
	bus       *bus.MessageBus
	subagents SubagentCounter
	cfg       *config.Config
	log       *slog.Logger
	started   time.Time
}

// NewHandler creates a gateway handler.
func NewHandler(agent AgentRunner, sessions *session.Store, cronSvc *cron.Service, b *bus.MessageBus, subagents SubagentCounter, cfg *config.Config, log *slog.Logger) *Handler {
	return &Handler{
		agent:     agent,
		sessions:  sessions,
		cron:      cronSvc,
		bus:       b,
		subagents: subagents,
		cfg:       cfg,
		log:       log.With("component", "gateway"),
		started:   time.Now().UTC(),
	}
}

// RegisterRoutes registers all routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/status", h.Status)
	e.POST("/agent/message", h.AgentMessage)
	e.GET("/sessions", h.ListSessions)
	e.GET("/sessions/:key", h.GetSession)
	e.GET("/cron/jobs", h.ListCronJobs)
	e.POST("/cron/jobs", h.AddCronJob)
	e.POST("/cron/jobs/:id/run", h.RunCronJob)
	e.DELETE("/cron/jobs/:id", h.RemoveCronJob)
	e.GET("/config", h.GetConfig)
}

// Serve builds an echo server and runs it until ctx is cancelled.
func (h *Handler) Serve(ctx context.Context) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	h.RegisterRoutes(e)

	addr := fmt.Sprintf("%s:%d", h.cfg.Gateway.Host, h.cfg.Gateway.Port)
	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(addr) }()
	h.log.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Health returns liveness.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports component state.
func (h *Handler) Status(c echo.Context) error {
	infos, _ := h.sessions.List()
	active := 0
	if h.subagents != nil {
		active = h.subagents.ActiveCount()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"uptime_secs":      int(time.Since(h.started).Seconds()),
		"sessions":         len(infos),
		"inbound_depth":    h.bus.InboundDepth(),
		"outbound_depth":   h.bus.OutboundDepth(),
		"active_subagents": active,
		"cron":             h.cron.Status(),
	})
}

// agentMessageRequest is the POST /agent/message body.
type agentMessageRequest struct {
	Content    string `json:"content"`
	SessionKey string `json:"sessionKey,omitempty"`
	Channel    string `json:"channel,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
}

// AgentMessage runs one direct agent turn and returns the reply.
func (h *Handler) AgentMessage(c echo.Context) error {
	var req agentMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Content == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "content is required"})
	}
	channel := req.Channel
	if channel == "" {
		channel = "api"
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = "default"
	}

	reply, err := h.agent.ProcessDirect(c.Request().Context(), req.Content, req.SessionKey, channel, chatID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"reply": reply})
}

// ListSessions enumerates stored sessions.
func (h *Handler) ListSessions(c echo.Context) error {
	infos, err := h.sessions.List()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if infos == nil {
		infos = []session.Info{}
	}
	return c.JSON(http.StatusOK, infos)
}

// GetSession returns one session's transcript.
func (h *Handler) GetSession(c echo.Context) error {
	key := c.Param("key")
	sess := h.sessions.GetOrCreate(key)
	return c.JSON(http.StatusOK, sess)
}

// ListCronJobs lists jobs, including disabled ones when ?all=true.
func (h *Handler) ListCronJobs(c echo.Context) error {
	includeDisabled := c.QueryParam("all") == "true"
	jobs := h.cron.ListJobs(includeDisabled)
	if jobs == nil {
		jobs = []*cron.Job{}
	}
	return c.JSON(http.StatusOK, jobs)
}

// addCronJobRequest is the POST /cron/jobs body.
type addCronJobRequest struct {
	Name           string        `json:"name"`
	Schedule       cron.Schedule `json:"schedule"`
	Payload        cron.Payload  `json:"payload"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
}

// AddCronJob creates a job.
func (h *Handler) AddCronJob(c echo.Context) error {
	var req addCronJobRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	job, err := h.cron.AddJob(req.Name, req.Schedule, req.Payload, req.DeleteAfterRun)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, job)
}

// RunCronJob fires a job immediately; ?force=true runs disabled jobs.
func (h *Handler) RunCronJob(c echo.Context) error {
	force := c.QueryParam("force") == "true"
	if err := h.cron.RunJob(c.Param("id"), force); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ran"})
}

// RemoveCronJob deletes a job.
func (h *Handler) RemoveCronJob(c echo.Context) error {
	removed, err := h.cron.RemoveJob(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if !removed {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "removed"})
}

// GetConfig returns the sanitized configuration — no credentials.
func (h *Handler) GetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, h.cfg.Sanitized())
}
