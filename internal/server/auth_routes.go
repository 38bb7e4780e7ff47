package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const tokenCouponQueryParam = "token_coupon"

var errReturnURLNotAllowed = errors.New("return_to must be an absolute http(s) url on an allowed origin")

type redeemTokenCouponPayload struct {
	TokenCoupon string `json:"token_coupon"`
}

type redeemTokenCouponResponse struct {
	Token string `json:"token"`
}

// handleOAuthStart redirects the browser to Bangumi with a signed state remembering return_to.
func (h *httpHandler) handleOAuthStart(c *gin.Context) {
	returnURL := strings.TrimSpace(c.Query("return_to"))
	if err := h.checkReturnURL(returnURL); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	state, err := h.states.IssueState(returnURL)
	if err != nil {
		h.logger.Error("failed to issue oauth state", zap.Error(err))
		respondFailure(c, http.StatusInternalServerError, kindUnknown, "internal error")
		return
	}
	c.Redirect(http.StatusFound, h.oauth.AuthorizeURL(state))
}

// handleOAuthCallback finishes the code exchange, logs the user in, and hands a token
// coupon back to the page that started the flow.
func (h *httpHandler) handleOAuthCallback(c *gin.Context) {
	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		respondBadRequest(c, "code is required")
		return
	}
	returnURL, err := h.states.ValidateState(c.Query("state"))
	if err != nil {
		h.logger.Warn("oauth state validation failed", zap.Error(err))
		respondBadRequest(c, "state is invalid or expired")
		return
	}
	if err := h.checkReturnURL(returnURL); err != nil {
		respondBadRequest(c, err.Error())
		return
	}

	grant, err := h.oauth.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		h.logger.Warn("oauth code exchange failed", zap.Error(err))
		respondFailure(c, http.StatusBadGateway, kindUnknown, "unable to complete authorization with bangumi")
		return
	}

	couponID, err := h.users.Login(c.Request.Context(), grant.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	target, _ := url.Parse(returnURL)
	query := target.Query()
	query.Set(tokenCouponQueryParam, couponID)
	target.RawQuery = query.Encode()
	c.Redirect(http.StatusFound, target.String())
}

func (h *httpHandler) handleRedeemTokenCoupon(c *gin.Context) {
	var payload redeemTokenCouponPayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.TokenCoupon) == "" {
		respondBadRequest(c, "token_coupon is required")
		return
	}
	token, err := h.users.RedeemTokenCoupon(c.Request.Context(), strings.TrimSpace(payload.TokenCoupon))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, redeemTokenCouponResponse{Token: token})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	if err := h.users.Logout(c.Request.Context(), c.GetString(tokenContextKey)); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

func (h *httpHandler) checkReturnURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errReturnURLNotAllowed
	}
	if len(h.allowedOrigins) == 0 || containsWildcard(h.allowedOrigins) {
		return nil
	}
	origin := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return nil
		}
	}
	return errReturnURLNotAllowed
}
