// Package bangumi talks to the Bangumi catalog API and its OAuth endpoints.
package bangumi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultAPIURL   = "https://api.bgm.tv"
	DefaultOAuthURL = "https://bgm.tv"

	defaultTimeout           = 10 * time.Second
	defaultRequestsPerSecond = 5
	defaultUserAgent         = "umajho/bangumi-episode-ratings"
	maxResponseBytes         = 1 << 20
	maxErrorBodyBytes        = 64 << 10
)

var (
	errMissingClientCredentials = errors.New("bangumi: oauth client credentials are required")
	errMissingUserID            = errors.New("bangumi: access token response has no user id")
	errMissingSubjectID         = errors.New("bangumi: episode response has no subject id")
)

// Config describes how to reach Bangumi.
type Config struct {
	APIURL            string
	OAuthURL          string
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	UserAgent         string
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client is a Bangumi API client. Outbound calls share one rate limiter.
type Client struct {
	apiURL       string
	oauthURL     string
	clientID     string
	clientSecret string
	redirectURL  string
	userAgent    string
	httpClient   *http.Client
	limiter      *rate.Limiter
	logger       *zap.Logger
}

// Episode is the subset of the episode resource the service relies on.
type Episode struct {
	ID        int64 `json:"id"`
	SubjectID int64 `json:"subject_id"`
}

// AccessGrant is the result of exchanging an authorization code.
type AccessGrant struct {
	AccessToken string
	ExpiresIn   int64
	UserID      int64
}

// APIError is a non-2xx response from Bangumi.
type APIError struct {
	Status      int
	Title       string
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("bangumi: %d %s: %s", e.Status, e.Title, e.Description)
	}
	return fmt.Sprintf("bangumi: %d %s", e.Status, e.Title)
}

// Detail returns the human-readable part of the upstream response.
func (e *APIError) Detail() string {
	if e.Description != "" {
		return e.Description
	}
	return e.Title
}

func NewClient(cfg Config) *Client {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	oauthURL := strings.TrimRight(cfg.OAuthURL, "/")
	if oauthURL == "" {
		oauthURL = DefaultOAuthURL
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	perSecond := cfg.RequestsPerSecond
	if perSecond <= 0 {
		perSecond = defaultRequestsPerSecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiURL:       apiURL,
		oauthURL:     oauthURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		userAgent:    userAgent,
		httpClient:   httpClient,
		limiter:      rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1),
		logger:       logger,
	}
}

// GetEpisode fetches an episode resource.
func (c *Client) GetEpisode(ctx context.Context, episodeID int64) (Episode, error) {
	endpoint := fmt.Sprintf("%s/v0/episodes/%d", c.apiURL, episodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Episode{}, err
	}
	req.Header.Set("Accept", "application/json")

	var episode Episode
	if err := c.do(req, &episode); err != nil {
		return Episode{}, err
	}
	return episode, nil
}

// LookupEpisodeSubject resolves the subject an episode belongs to.
func (c *Client) LookupEpisodeSubject(ctx context.Context, episodeID int64) (int64, error) {
	episode, err := c.GetEpisode(ctx, episodeID)
	if err != nil {
		return 0, err
	}
	if episode.SubjectID <= 0 {
		return 0, errMissingSubjectID
	}
	return episode.SubjectID, nil
}

// AuthorizeURL returns the Bangumi consent page carrying state.
func (c *Client) AuthorizeURL(state string) string {
	query := url.Values{}
	query.Set("client_id", c.clientID)
	query.Set("response_type", "code")
	if c.redirectURL != "" {
		query.Set("redirect_uri", c.redirectURL)
	}
	if state != "" {
		query.Set("state", state)
	}
	return c.oauthURL + "/oauth/authorize?" + query.Encode()
}

type accessTokenResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   int64           `json:"expires_in"`
	UserID      json.RawMessage `json:"user_id"`
}

// ExchangeCode trades an authorization code for an access grant.
func (c *Client) ExchangeCode(ctx context.Context, code string) (AccessGrant, error) {
	if c.clientID == "" || c.clientSecret == "" {
		return AccessGrant{}, errMissingClientCredentials
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("code", code)
	if c.redirectURL != "" {
		form.Set("redirect_uri", c.redirectURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthURL+"/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return AccessGrant{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var payload accessTokenResponse
	if err := c.do(req, &payload); err != nil {
		return AccessGrant{}, err
	}
	userID, err := parseUserID(payload.UserID)
	if err != nil {
		return AccessGrant{}, err
	}
	return AccessGrant{AccessToken: payload.AccessToken, ExpiresIn: payload.ExpiresIn, UserID: userID}, nil
}

func (c *Client) do(req *http.Request, target interface{}) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("bangumi request failed", zap.String("url", req.URL.Redacted()), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("bangumi: decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status, Title: http.StatusText(status)}
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	var payload struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if json.Unmarshal(bytes.TrimSpace(body), &payload) == nil {
		if payload.Title != "" {
			apiErr.Title = payload.Title
		}
		apiErr.Description = payload.Description
	}
	return apiErr
}

// parseUserID accepts the user id as either a JSON number or a numeric string.
func parseUserID(raw json.RawMessage) (int64, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return 0, errMissingUserID
	}
	userID, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bangumi: invalid user id %q: %w", text, err)
	}
	if userID <= 0 {
		return 0, errMissingUserID
	}
	return userID, nil
}
