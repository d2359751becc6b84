package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/presence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
)

const profileContextKey = "gravity_collab_profile"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileResolver  = errors.New("profile resolver dependency required")
	errMissingEngine           = errors.New("collaboration engine dependency required")
	errMissingRoomHub          = errors.New("room hub dependency required")
	errMissingSocketIDs        = errors.New("socket id provider dependency required")
)

// SessionValidator authenticates HTTP requests and websocket handshakes.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateSocketRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileResolver maps validated claims to the editor profile shown to collaborators.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
}

// IDProvider issues socket identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator SessionValidator
	Profiles         ProfileResolver
	Engine           *collab.Engine
	Hub              *RoomHub
	SocketIDs        IDProvider
	Metrics          prometheus.Gatherer
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving the websocket endpoint, the roster endpoint,
// health and metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileResolver
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Hub == nil {
		return nil, errMissingRoomHub
	}
	if deps.SocketIDs == nil {
		return nil, errMissingSocketIDs
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		profiles:  deps.Profiles,
		engine:    deps.Engine,
		hub:       deps.Hub,
		socketIDs: deps.SocketIDs,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(deps.AllowedOrigins),
		},
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	router.GET("/collab/ws", handler.authorizeSocket, handler.handleCollabSocket)
	router.GET("/notes/:id/collaborators", handler.authorizeRequest, handler.handleCollaborators)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	profiles  ProfileResolver
	engine    *collab.Engine
	hub       *RoomHub
	socketIDs IDProvider
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// corsMiddleware shares credentials only with configured origins. Without an allow-list any
// origin may read responses, but browsers send no session cookie with those requests.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// originChecker returns the websocket origin policy. A nil checker makes the upgrader accept
// same-origin handshakes only.
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowedOrigins, origin)
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	h.authorize(c, h.sessions.ValidateRequest)
}

func (h *httpHandler) authorizeSocket(c *gin.Context) {
	h.authorize(c, h.sessions.ValidateSocketRequest)
}

func (h *httpHandler) authorize(c *gin.Context, validate func(*http.Request) (auth.SessionClaims, error)) {
	claims, err := validate(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.profiles.ResolveProfile(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("session identity rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("profile resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func (h *httpHandler) handleCollabSocket(c *gin.Context) {
	profile, ok := c.MustGet(profileContextKey).(users.Profile)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	socketID, err := h.socketIDs.NewID()
	if err != nil {
		h.logger.Error("failed to allocate socket id", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "socket_unavailable"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	h.logger.Debug("websocket connected",
		zap.String("socket_id", socketID),
		zap.String("user_id", profile.UserID.String()))
	connection := newCollabConnection(socketID, profile, conn, h.engine, h.hub, h.logger)
	connection.serve(context.WithoutCancel(c.Request.Context()))
}

func (h *httpHandler) handleCollaborators(c *gin.Context) {
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}
	collaborators := h.engine.Collaborators(noteID)
	if collaborators == nil {
		collaborators = []presence.Session{}
	}
	c.JSON(http.StatusOK, collaboratorsResponse{
		NoteID:         noteID,
		CurrentEditors: countDistinctUsers(collaborators),
		Collaborators:  collaborators,
	})
}
