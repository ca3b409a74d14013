package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchparty/internal/show"
	"github.com/MarcoPoloResearchLab/watchparty/internal/store"
	"github.com/MarcoPoloResearchLab/watchparty/internal/tickets"
	"github.com/MarcoPoloResearchLab/watchparty/internal/viewer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const adminSubjectContextKey = "watchparty_admin_subject"

var (
	errMissingStore         = errors.New("store dependency required")
	errMissingRegistry      = errors.New("ticket registry dependency required")
	errMissingShowService   = errors.New("show service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingPasswords     = errors.New("password verifier dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// AdminTokenManager issues and validates admin console tokens.
type AdminTokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// PasswordVerifier checks the admin password.
type PasswordVerifier interface {
	Check(candidate string) error
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Store         store.Store
	Registry      *tickets.Registry
	ShowService   *show.Service
	TokenManager  AdminTokenManager
	Passwords     PasswordVerifier
	AdminSubject  string
	ViewerPolicy  viewer.Policy
	PresenceScope viewer.PresenceScope
	Clock         func() time.Time
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router serving the public API, the admin
// API and the viewer socket.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.ShowService == nil {
		return nil, errMissingShowService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Passwords == nil {
		return nil, errMissingPasswords
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	adminSubject := strings.TrimSpace(deps.AdminSubject)
	if adminSubject == "" {
		adminSubject = "admin"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	handler := &httpHandler{
		store:         deps.Store,
		registry:      deps.Registry,
		showService:   deps.ShowService,
		tokens:        deps.TokenManager,
		passwords:     deps.Passwords,
		adminSubject:  adminSubject,
		viewerPolicy:  deps.ViewerPolicy,
		presenceScope: deps.PresenceScope,
		connections:   newConnectionTracker(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		clock:  clock,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)

	public := router.Group("/api")
	public.GET("/event", handler.handleEvent)
	public.GET("/offset", handler.handleOffset)
	public.GET("/chats", handler.handleChats)
	public.POST("/tickets/validate", handler.handleValidateTicket)

	router.GET("/ws/viewer", handler.handleViewerSocket)

	router.POST("/admin/login", handler.handleAdminLogin)
	admin := router.Group("/admin")
	admin.Use(handler.authorizeRequest)
	admin.GET("/state", handler.handleGetState)
	admin.PUT("/state", handler.handlePutState)
	admin.POST("/tickets", handler.handleAddTicket)
	admin.DELETE("/tickets/:kind/:code", handler.handleRemoveTicket)
	admin.POST("/lineup/toggle", handler.handleToggleLineup)

	return router, nil
}

type httpHandler struct {
	store         store.Store
	registry      *tickets.Registry
	showService   *show.Service
	tokens        AdminTokenManager
	passwords     PasswordVerifier
	adminSubject  string
	viewerPolicy  viewer.Policy
	presenceScope viewer.PresenceScope
	connections   *connectionTracker
	upgrader      websocket.Upgrader
	clock         func() time.Time
	logger        *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Info("request",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if subject != h.adminSubject {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(adminSubjectContextKey, subject)
	c.Next()
}

func respondServiceError(c *gin.Context, status int, code string, err error) {
	body := gin.H{"error": code}
	var serviceErr *show.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	c.JSON(status, body)
}
