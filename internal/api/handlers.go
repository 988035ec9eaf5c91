package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"qstream/internal/router"
	"qstream/internal/stream"
	"qstream/internal/topic"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// streamService is the part of stream.Service the REST handlers read.
type streamService interface {
	Routes() []stream.RouteSpec
	Topics() []topic.TopicInfo
}

// StreamHandler serves route and topic introspection.
type StreamHandler struct {
	svc     streamService
	router  *router.Router
	version string
	started time.Time
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(svc streamService, r *router.Router, version string) *StreamHandler {
	return &StreamHandler{svc: svc, router: r, version: version, started: time.Now()}
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	Routes      int    `json:"routes"`
	Topics      int    `json:"topics"`
	Connections int    `json:"connections"`
}

// Health godoc
// @Summary Service health
// @Tags Stream
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /health [get]
func (h *StreamHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthStatus{
		Status:      "ok",
		Version:     h.version,
		Uptime:      time.Since(h.started).Round(time.Second).String(),
		Routes:      len(h.svc.Routes()),
		Topics:      len(h.svc.Topics()),
		Connections: h.router.Active(),
	})
}

// ListRoutes godoc
// @Summary Registered stream routes
// @Description Each route's parameters, topic format, payload schema and queue bounds.
// @Tags Stream
// @Produce json
// @Success 200 {object} Response{data=[]stream.RouteSpec}
// @Router /api/v1/stream/routes [get]
func (h *StreamHandler) ListRoutes(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Success: true, Data: h.svc.Routes()})
}

// ListTopics godoc
// @Summary Live topics
// @Description Topics with at least one subscriber, across all routes.
// @Tags Stream
// @Produce json
// @Security BearerAuth
// @Success 200 {object} Response{data=[]topic.TopicInfo}
// @Failure 401 {object} errors.ErrorResponse
// @Router /api/v1/stream/topics [get]
func (h *StreamHandler) ListTopics(c *gin.Context) {
	topics := h.svc.Topics()
	if topics == nil {
		topics = []topic.TopicInfo{}
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: topics})
}
