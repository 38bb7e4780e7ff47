package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/bangumi"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/logging"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/ratings"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/users"
	"go.uber.org/zap"
)

const userIDContextKey = "episode_ratings_user_id"
const tokenContextKey = "episode_ratings_token"

var (
	errMissingRatingsService = errors.New("ratings service dependency required")
	errMissingUsersService   = errors.New("users service dependency required")
	errMissingOAuthProvider  = errors.New("oauth provider dependency required")
	errMissingStateIssuer    = errors.New("state issuer dependency required")
)

// OAuthProvider is the authorization server the login flow redirects to.
type OAuthProvider interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (bangumi.AccessGrant, error)
}

// StateSigner protects the return address across the OAuth round trip.
type StateSigner interface {
	IssueState(returnURL string) (string, error)
	ValidateState(state string) (string, error)
}

// Dependencies wires the HTTP surface. Votes is optional; without it the stream
// endpoint is not registered.
type Dependencies struct {
	Ratings        *ratings.Service
	Users          *users.Service
	OAuth          OAuthProvider
	States         StateSigner
	Votes          *VotesDispatcher
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Ratings == nil {
		return nil, errMissingRatingsService
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.OAuth == nil {
		return nil, errMissingOAuthProvider
	}
	if deps.States == nil {
		return nil, errMissingStateIssuer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		ratings:        deps.Ratings,
		users:          deps.Users,
		oauth:          deps.OAuth,
		states:         deps.States,
		votes:          deps.Votes,
		allowedOrigins: deps.AllowedOrigins,
		logger:         logger,
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/auth/bangumi-oauth", handler.handleOAuthStart)
	router.GET("/auth/bangumi-oauth-callback", handler.handleOAuthCallback)

	api := router.Group("/api/v1")
	api.Use(handler.identifyRequest)
	api.POST("/auth/redeem-token-coupon", handler.handleRedeemTokenCoupon)
	api.POST("/auth/logout", handler.handleLogout)

	episodes := api.Group("/subjects/:subject_id/episodes")
	episodes.GET("/ratings", handler.handleSubjectEpisodesRatings)
	episodes.GET("/:episode_id/ratings", handler.handleEpisodeRatings)
	episodes.GET("/:episode_id/ratings/mine", handler.handleEpisodeMyRating)
	episodes.PATCH("/:episode_id/ratings/mine", handler.handlePatchEpisodeRating)
	episodes.GET("/:episode_id/ratings/public", handler.handleEpisodePublicRatings)
	if deps.Votes != nil {
		episodes.GET("/:episode_id/ratings/stream", handler.handleVotesStream)
	}

	api.GET("/users/me/timeline/items", handler.handleMyTimelineItems)
	api.DELETE("/users/me/timeline/items/:timestamp_ms", handler.handleDeleteMyTimelineItem)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	ratings        *ratings.Service
	users          *users.Service
	oauth          OAuthProvider
	states         StateSigner
	votes          *VotesDispatcher
	allowedOrigins []string
	logger         *zap.Logger
}

// identifyRequest resolves an optional bearer token. Requests without a valid token
// proceed anonymously; operations that need a user reject them downstream.
func (h *httpHandler) identifyRequest(c *gin.Context) {
	token, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.Next()
		return
	}
	userID, found, err := h.users.ResolveUserID(c.Request.Context(), token)
	if err != nil {
		h.logger.Warn("token resolution failed", zap.Error(err))
		respondError(c, err)
		c.Abort()
		return
	}
	if !found {
		h.logger.Warn("token validation failed", zap.Error(errUnknownToken))
		c.Next()
		return
	}
	c.Set(userIDContextKey, userID)
	c.Set(tokenContextKey, token)
	c.Next()
}

var errUnknownToken = errors.New("bearer token is not recognized")

func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

func requestUserID(c *gin.Context) int64 {
	return c.GetInt64(userIDContextKey)
}
