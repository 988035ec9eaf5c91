package api

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"qstream/internal/auth"
	"qstream/internal/config"
	apperrors "qstream/internal/errors"
	"qstream/internal/logger"
	"qstream/internal/monitoring"
	"qstream/internal/router"
)

// WebSocketHandler upgrades stream connections and hands them to the router.
type WebSocketHandler struct {
	router   *router.Router
	auth     auth.Authenticator
	upgrader websocket.Upgrader
	codecs   map[string]router.Codec
	cfg      config.WebSocketConfig
	metrics  *monitoring.Metrics
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewWebSocketHandler builds the handler. Connections live until the client
// leaves or Close is called.
func NewWebSocketHandler(r *router.Router, authn auth.Authenticator, cfg config.WebSocketConfig,
	metrics *monitoring.Metrics, log logger.Logger) (*WebSocketHandler, error) {
	codecs, err := router.Codecs()
	if err != nil {
		return nil, err
	}

	h := &WebSocketHandler{
		router:  r,
		auth:    authn,
		codecs:  make(map[string]router.Codec, len(codecs)),
		cfg:     cfg,
		metrics: metrics,
		log:     log,
	}
	protocols := make([]string, 0, len(codecs))
	for _, c := range codecs {
		h.codecs[c.Name()] = c
		protocols = append(protocols, c.Name())
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		Subprotocols:    protocols,
		CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// checkOrigin allows same-origin requests, requests without an Origin
// header, and the configured origins. "*" allows any origin.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if slices.Contains(allowed, origin) {
			return true
		}
		host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
		return strings.EqualFold(host, r.Host)
	}
}

// Stream godoc
// @Summary Open a stream connection
// @Description Upgrades to WebSocket. Negotiates qstream.v1.json (default) or qstream.v1.cbor.
// @Tags Stream
// @Param token query string false "JWT, alternative to the Authorization header"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} errors.ErrorResponse
// @Router /ws [get]
func (h *WebSocketHandler) Stream(c *gin.Context) {
	identity, err := h.auth.Authenticate(c.Request)
	if err != nil {
		appErr := apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "Unauthorized access")
		c.AbortWithStatusJSON(appErr.HTTPStatus(), apperrors.NewErrorResponse(appErr, c.Request.URL.Path))
		return
	}
	if !h.acquire() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable,
			apperrors.NewErrorResponse(apperrors.ErrServiceUnavailable, c.Request.URL.Path))
		return
	}
	defer h.wg.Done()

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.log.Warn("WebSocket upgrade failed", "error", err, "client_ip", c.ClientIP())
		return
	}

	codec, ok := h.codecs[ws.Subprotocol()]
	if !ok {
		codec = router.JSONCodec{}
	}

	connID := uuid.NewString()
	ctx := context.WithValue(h.ctx, logger.ContextKeyConnID, connID)
	if !identity.Anonymous() {
		ctx = context.WithValue(ctx, logger.ContextKeyUserID, identity.UserID)
	}
	ctx = auth.NewContext(ctx, identity)
	log := h.log.WithContext(ctx)

	h.metrics.ConnectionOpened()
	defer h.metrics.ConnectionClosed()

	log.Info("WebSocket connected", "protocol", codec.Name(), "client_ip", c.ClientIP())
	if err := h.router.Serve(ctx, newWSConn(ws, codec, h.cfg), identity); err != nil {
		log.Warn("WebSocket connection lost", "error", err)
		return
	}
	log.Info("WebSocket disconnected")
}

func (h *WebSocketHandler) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

// Close refuses new connections, ends every open one and waits for their
// subscriptions to be released, or for ctx to expire.
func (h *WebSocketHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
