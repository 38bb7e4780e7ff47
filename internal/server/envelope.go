package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/ratings"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/users"
)

const (
	envelopeStatusOK           = "ok"
	envelopeStatusError        = "error"
	envelopeStatusAuthRequired = "auth_required"

	kindBadRequest = "BAD_REQUEST"
	kindUnknown    = "UNKNOWN"
)

type okEnvelope struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data"`
}

type errorEnvelope struct {
	Status string       `json:"status"`
	Error  errorPayload `json:"error"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type statusEnvelope struct {
	Status string `json:"status"`
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, okEnvelope{Status: envelopeStatusOK, Data: data})
}

func respondFailure(c *gin.Context, status int, kind, message string) {
	c.JSON(status, errorEnvelope{
		Status: envelopeStatusError,
		Error:  errorPayload{Kind: kind, Message: message},
	})
}

func respondAuthRequired(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, statusEnvelope{Status: envelopeStatusAuthRequired})
}

func respondBadRequest(c *gin.Context, message string) {
	respondFailure(c, http.StatusBadRequest, kindBadRequest, message)
}

// respondError translates workflow failures into the response envelope.
func respondError(c *gin.Context, err error) {
	var ratingsErr *ratings.ServiceError
	if errors.As(err, &ratingsErr) {
		respondRatingsError(c, ratingsErr)
		return
	}
	var usersErr *users.ServiceError
	if errors.As(err, &usersErr) {
		respondUsersError(c, usersErr)
		return
	}
	respondFailure(c, http.StatusInternalServerError, kindUnknown, "internal error")
}

func respondRatingsError(c *gin.Context, err *ratings.ServiceError) {
	kind := string(err.Kind())
	switch err.Kind() {
	case ratings.KindBadScore:
		respondFailure(c, http.StatusBadRequest, kind, err.Message())
	case ratings.KindAuthRequired:
		respondAuthRequired(c)
	case ratings.KindEpisodeNotInSubject:
		respondFailure(c, http.StatusUnprocessableEntity, kind, err.Message())
	case ratings.KindUnableToVerifyThatEpisodeIsInSubject:
		respondFailure(c, http.StatusBadGateway, kind, err.Message())
	case ratings.KindTimelineItemNotFound:
		respondFailure(c, http.StatusNotFound, kind, err.Message())
	case ratings.KindUnknown:
		respondFailure(c, http.StatusInternalServerError, kind, err.Message())
	default:
		respondFailure(c, http.StatusInternalServerError, kindUnknown, "internal error")
	}
}

func respondUsersError(c *gin.Context, err *users.ServiceError) {
	switch err.Kind() {
	case users.KindAuthRequired:
		respondAuthRequired(c)
	case users.KindInvalidTokenCoupon:
		respondFailure(c, http.StatusBadRequest, string(err.Kind()), "token coupon is invalid or expired")
	case users.KindUnknown:
		respondFailure(c, http.StatusInternalServerError, string(err.Kind()), "internal error")
	default:
		respondFailure(c, http.StatusInternalServerError, kindUnknown, "internal error")
	}
}
