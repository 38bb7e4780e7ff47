package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/auth"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/bangumi"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/kv"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/ratings"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/repository"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/users"
	"go.uber.org/zap"
)

// stubBangumi serves both the episode catalog and the OAuth endpoints.
type stubBangumi struct {
	mu        sync.Mutex
	subjects  map[int64]int64
	grants    map[string]int64
	lookupErr error
}

func (b *stubBangumi) LookupEpisodeSubject(_ context.Context, episodeID int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lookupErr != nil {
		return 0, b.lookupErr
	}
	return b.subjects[episodeID], nil
}

func (b *stubBangumi) AuthorizeURL(state string) string {
	return "https://bgm.tv/oauth/authorize?state=" + state
}

func (b *stubBangumi) ExchangeCode(_ context.Context, code string) (bangumi.AccessGrant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	userID, ok := b.grants[code]
	if !ok {
		return bangumi.AccessGrant{}, &bangumi.APIError{Status: http.StatusBadRequest, Title: "invalid_grant"}
	}
	return bangumi.AccessGrant{AccessToken: "upstream-" + code, UserID: userID}, nil
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type handlerFixture struct {
	handler http.Handler
	users   *users.Service
	bangumi *stubBangumi
	votes   *VotesDispatcher
}

type fixtureOptions struct {
	allowedOrigins []string
	logger         *zap.Logger
}

func newHandlerFixture(t *testing.T, opts fixtureOptions) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &steppingClock{now: time.UnixMilli(1_700_000_000_000)}
	repo, err := repository.New(repository.Config{Store: kv.NewMemoryStore(), Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	upstream := &stubBangumi{
		subjects: map[int64]int64{100: 10, 101: 10, 200: 20},
		grants:   map[string]int64{"code-1": 1, "code-2": 2},
	}
	votes := NewVotesDispatcher()
	ratingsService, err := ratings.NewService(ratings.ServiceConfig{
		Repository: repo,
		Episodes:   upstream,
		Publisher:  votes,
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build ratings service: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{Repository: repo, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	states, err := auth.NewStateIssuer(auth.StateIssuerConfig{SigningSecret: []byte("test-state-secret")})
	if err != nil {
		t.Fatalf("failed to build state issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Ratings:        ratingsService,
		Users:          usersService,
		OAuth:          upstream,
		States:         states,
		Votes:          votes,
		AllowedOrigins: opts.allowedOrigins,
		Logger:         opts.logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &handlerFixture{handler: handler, users: usersService, bangumi: upstream, votes: votes}
}

func (f *handlerFixture) mustToken(t *testing.T, userID int64) string {
	t.Helper()
	couponID, err := f.users.Login(context.Background(), userID)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	token, err := f.users.RedeemTokenCoupon(context.Background(), couponID)
	if err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	return token
}

func (f *handlerFixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

type responseEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *errorPayload   `json:"error"`
}

func decodeEnvelope(t *testing.T, recorder *httptest.ResponseRecorder) responseEnvelope {
	t.Helper()
	var envelope responseEnvelope
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode envelope %q: %v", recorder.Body.String(), err)
	}
	return envelope
}

func mustData(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	envelope := decodeEnvelope(t, recorder)
	if envelope.Status != envelopeStatusOK {
		t.Fatalf("unexpected envelope status %q", envelope.Status)
	}
	if target == nil {
		return
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		t.Fatalf("failed to decode data %s: %v", envelope.Data, err)
	}
}

func assertErrorKind(t *testing.T, recorder *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
	envelope := decodeEnvelope(t, recorder)
	if envelope.Status != envelopeStatusError || envelope.Error == nil || envelope.Error.Kind != kind {
		t.Fatalf("expected error kind %s, got %s", kind, recorder.Body.String())
	}
}
