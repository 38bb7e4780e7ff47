package ratings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/umajho/bangumi-episode-ratings-sub000/internal/kv"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/repository"
	"go.uber.org/zap"
)

type commitCountingStore struct {
	kv.Store
	mu      sync.Mutex
	commits int
}

func (s *commitCountingStore) Commit(ctx context.Context, op *kv.AtomicOperation) (kv.Versionstamp, error) {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return s.Store.Commit(ctx, op)
}

func (s *commitCountingStore) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

type stubEpisodeLookup struct {
	mu       sync.Mutex
	subjects map[int64]int64
	err      error
	calls    int
}

func (l *stubEpisodeLookup) LookupEpisodeSubject(_ context.Context, episodeID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return 0, l.err
	}
	return l.subjects[episodeID], nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []map[int]int64
}

func (p *recordingPublisher) PublishVotes(_, _ int64, votes map[int]int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, votes)
}

type detailError struct {
	detail string
}

func (e detailError) Error() string {
	return "upstream: " + e.detail
}

func (e detailError) Detail() string {
	return e.detail
}

type serviceFixture struct {
	service   *Service
	repo      *repository.Repository
	store     *commitCountingStore
	lookup    *stubEpisodeLookup
	publisher *recordingPublisher
}

// steppingClock advances one millisecond per reading so timeline keys stay distinct.
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

func newServiceFixture(t *testing.T, logger *zap.Logger) serviceFixture {
	t.Helper()
	store := &commitCountingStore{Store: kv.NewMemoryStore()}
	clock := &steppingClock{now: time.UnixMilli(1_700_000_000_000)}
	repo, err := repository.New(repository.Config{
		Store:       store,
		RetryPolicy: kv.RetryPolicy{MaxAttempts: 64, InitialBackoff: time.Microsecond, MaxBackoff: time.Millisecond},
		Clock:       clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	lookup := &stubEpisodeLookup{subjects: map[int64]int64{}}
	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Repository: repo,
		Episodes:   lookup,
		Publisher:  publisher,
		Clock:      clock.Now,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return serviceFixture{service: service, repo: repo, store: store, lookup: lookup, publisher: publisher}
}

func boolPtr(v bool) *bool {
	return &v
}

func mustPatch(t *testing.T, service *Service, req PatchRequest) RatingState {
	t.Helper()
	state, err := service.PatchEpisodeRating(context.Background(), req)
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	return state
}

func mustEpisodeRatings(t *testing.T, service *Service, userID, subjectID, episodeID int64) EpisodeRatings {
	t.Helper()
	result, err := service.QueryEpisodeRatings(context.Background(), userID, subjectID, episodeID)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	return result
}

func assertScore(t *testing.T, score *int, want int) {
	t.Helper()
	if score == nil || *score != want {
		t.Fatalf("expected score %d, got %v", want, score)
	}
}

func assertVoters(t *testing.T, voters map[int][]int64, score int, want ...int64) {
	t.Helper()
	got := voters[score]
	if len(got) != len(want) {
		t.Fatalf("expected voters %v at score %d, got %v", want, score, voters)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("expected voters %v at score %d, got %v", want, score, voters)
		}
	}
}
