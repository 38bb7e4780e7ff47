// Package repository exposes typed accessors over the episode-rating key space. Mutators
// whose outcome depends on prior state take the previously read Entry and pin its
// versionstamp inside the commit; callers own the read-mutate-commit-retry loop.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/umajho/bangumi-episode-ratings-sub000/internal/keyspace"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/kv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentBatchReads = 4

var (
	errMissingStore = errors.New("repository: store is required")
	// ErrCorruptValue indicates a stored value could not be decoded.
	ErrCorruptValue = errors.New("repository: corrupt stored value")
)

// Config describes the dependencies of a Repository.
type Config struct {
	Store       kv.Store
	RetryPolicy kv.RetryPolicy
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Repository is the typed access layer over a kv.Store.
type Repository struct {
	store  kv.Store
	retry  kv.RetryPolicy
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a Repository.
func New(cfg Config) (*Repository, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		store:  cfg.Store,
		retry:  cfg.RetryPolicy,
		clock:  clock,
		logger: logger,
	}, nil
}

// RetryConflicts runs attempt under the repository's retry policy.
func (r *Repository) RetryConflicts(ctx context.Context, attempt func(ctx context.Context) error) error {
	return kv.RetryConflicts(ctx, r.retry, attempt)
}

func (r *Repository) GetUser(ctx context.Context, userID int64) (Entry[User], error) {
	return getEntry[User](ctx, r.store, keyspace.UserKey(userID))
}

func (r *Repository) GetTokenEntry(ctx context.Context, token string) (Entry[TokenEntry], error) {
	return getEntry[TokenEntry](ctx, r.store, keyspace.TokenEntryKey(token))
}

func (r *Repository) GetTokenCouponEntry(ctx context.Context, couponID string) (Entry[TokenCouponEntry], error) {
	return getEntry[TokenCouponEntry](ctx, r.store, keyspace.TokenCouponEntryKey(couponID))
}

func (r *Repository) GetEpisodeInfo(ctx context.Context, episodeID int64) (Entry[EpisodeInfo], error) {
	return getEntry[EpisodeInfo](ctx, r.store, keyspace.EpisodeInfoKey(episodeID))
}

// GetUserEpisodeRating returns the user's current rating entry for an episode.
func (r *Repository) GetUserEpisodeRating(ctx context.Context, userID, subjectID, episodeID int64) (Entry[UserEpisodeRating], error) {
	return getEntry[UserEpisodeRating](ctx, r.store, keyspace.UserEpisodeRatingKey(userID, subjectID, episodeID))
}

func (r *Repository) GetUserTimelineItem(ctx context.Context, userID, timestampMs int64) (Entry[UserTimelineItem], error) {
	return getEntry[UserTimelineItem](ctx, r.store, keyspace.UserTimelineItemKey(userID, timestampMs))
}

// GetManyEpisodeInfos reads episode infos with eventual consistency, which is safe because
// an EpisodeInfo never changes after it is written. Missing episodes are absent from the map.
func (r *Repository) GetManyEpisodeInfos(ctx context.Context, episodeIDs []int64) (map[int64]EpisodeInfo, error) {
	chunks := make([][]int64, 0, len(episodeIDs)/kv.MaxGetManyKeys+1)
	for start := 0; start < len(episodeIDs); start += kv.MaxGetManyKeys {
		end := start + kv.MaxGetManyKeys
		if end > len(episodeIDs) {
			end = len(episodeIDs)
		}
		chunks = append(chunks, episodeIDs[start:end])
	}

	results := make([][]kv.Entry, len(chunks))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentBatchReads)
	for index, chunk := range chunks {
		index := index
		keys := make([]kv.Key, len(chunk))
		for position, episodeID := range chunk {
			keys[position] = keyspace.EpisodeInfoKey(episodeID)
		}
		group.Go(func() error {
			entries, err := r.store.GetMany(groupCtx, keys, kv.ReadOptions{Consistency: kv.ConsistencyEventual})
			if err != nil {
				return err
			}
			results[index] = entries
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	infos := make(map[int64]EpisodeInfo, len(episodeIDs))
	for index, chunk := range chunks {
		for position, entry := range results[index] {
			if !entry.Exists() {
				continue
			}
			var info EpisodeInfo
			if err := decodeValue(entry, &info); err != nil {
				return nil, err
			}
			infos[chunk[position]] = info
		}
	}
	return infos, nil
}

// SetEpisodeInfo persists a learned episode fact. The write is blind, so the loop only
// repeats on store-level conflicts.
func (r *Repository) SetEpisodeInfo(ctx context.Context, episodeID int64, info EpisodeInfo) error {
	value, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return r.RetryConflicts(ctx, func(ctx context.Context) error {
		_, err := r.store.Commit(ctx, kv.NewAtomicOperation().Set(keyspace.EpisodeInfoKey(episodeID), value))
		return err
	})
}

// PopTokenCouponEntryToken consumes a coupon and returns its token. It reports false when
// the coupon is absent, expired, or was consumed concurrently.
func (r *Repository) PopTokenCouponEntryToken(ctx context.Context, couponID string) (string, bool, error) {
	var token string
	var ok bool
	err := r.RetryConflicts(ctx, func(ctx context.Context) error {
		token, ok = "", false
		entry, err := r.GetTokenCouponEntry(ctx, couponID)
		if err != nil {
			return err
		}
		if !entry.Found {
			return nil
		}
		if r.clock().UnixMilli() > entry.Value.ExpiryMs {
			return nil
		}
		op := kv.NewAtomicOperation().Check(entry.key, entry.Versionstamp).Delete(entry.key)
		if _, err := r.store.Commit(ctx, op); err != nil {
			return err
		}
		token, ok = entry.Value.Token, true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ListUserSubjectRatings returns the user's ratings within a subject keyed by episode.
func (r *Repository) ListUserSubjectRatings(ctx context.Context, userID, subjectID int64) (map[int64]UserEpisodeRating, error) {
	ratings := make(map[int64]UserEpisodeRating)
	err := scanEntries(ctx, r.store, keyspace.UserSubjectRatingsPrefix(userID, subjectID), kv.ListOptions{}, func(entry kv.Entry) error {
		parts, err := keyspace.DecodeUserEpisodeRatingKey(entry.Key)
		if err != nil {
			return err
		}
		var rating UserEpisodeRating
		if err := decodeValue(entry, &rating); err != nil {
			return err
		}
		ratings[parts.EpisodeID] = rating
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ratings, nil
}

// ListSubjectEpisodeScoreVotes returns the signed vote count of each score bucket of an episode.
func (r *Repository) ListSubjectEpisodeScoreVotes(ctx context.Context, subjectID, episodeID int64) (map[int]int64, error) {
	votes := make(map[int]int64)
	err := scanEntries(ctx, r.store, keyspace.SubjectEpisodeScoreVotesPrefix(subjectID, episodeID), kv.ListOptions{}, func(entry kv.Entry) error {
		parts, err := keyspace.DecodeScoreVotesKey(entry.Key)
		if err != nil {
			return err
		}
		count, err := kv.DecodeCounter(entry.Value)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruptValue, entry.Key, err)
		}
		votes[parts.Score] = count
		return nil
	})
	if err != nil {
		return nil, err
	}
	return votes, nil
}

// ListSubjectScoreVotes returns vote counts per score for every episode of a subject.
func (r *Repository) ListSubjectScoreVotes(ctx context.Context, subjectID int64) (map[int64]map[int]int64, error) {
	episodes := make(map[int64]map[int]int64)
	err := scanEntries(ctx, r.store, keyspace.SubjectScoreVotesPrefix(subjectID), kv.ListOptions{}, func(entry kv.Entry) error {
		parts, err := keyspace.DecodeScoreVotesKey(entry.Key)
		if err != nil {
			return err
		}
		count, err := kv.DecodeCounter(entry.Value)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruptValue, entry.Key, err)
		}
		votes, ok := episodes[parts.EpisodeID]
		if !ok {
			votes = make(map[int]int64)
			episodes[parts.EpisodeID] = votes
		}
		votes[parts.Score] = count
		return nil
	})
	if err != nil {
		return nil, err
	}
	return episodes, nil
}

// ListSubjectEpisodeScorePublicVoters returns the public voters of an episode grouped by
// score, each group in ascending user id order.
func (r *Repository) ListSubjectEpisodeScorePublicVoters(ctx context.Context, subjectID, episodeID int64) (map[int][]int64, error) {
	voters := make(map[int][]int64)
	err := scanEntries(ctx, r.store, keyspace.SubjectEpisodePublicVotersPrefix(subjectID, episodeID), kv.ListOptions{}, func(entry kv.Entry) error {
		parts, err := keyspace.DecodePublicVoterKey(entry.Key)
		if err != nil {
			return err
		}
		voters[parts.Score] = append(voters[parts.Score], parts.UserID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return voters, nil
}

// ListUserTimelineItems returns a page of the user's timeline, newest first.
func (r *Repository) ListUserTimelineItems(ctx context.Context, userID int64, offset, limit int) ([]TimelineItemRecord, error) {
	var records []TimelineItemRecord
	opts := kv.ListOptions{Reverse: true, Offset: offset, Limit: limit}
	err := scanEntries(ctx, r.store, keyspace.UserTimelinePrefix(userID), opts, func(entry kv.Entry) error {
		parts, err := keyspace.DecodeTimelineKey(entry.Key)
		if err != nil {
			return err
		}
		var item UserTimelineItem
		if err := decodeValue(entry, &item); err != nil {
			return err
		}
		records = append(records, TimelineItemRecord{TimestampMs: parts.TimestampMs, Item: item})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func getEntry[T any](ctx context.Context, store kv.Store, key kv.Key) (Entry[T], error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return Entry[T]{}, err
	}
	entry := Entry[T]{key: key}
	if !raw.Exists() {
		return entry, nil
	}
	if err := decodeValue(raw, &entry.Value); err != nil {
		return Entry[T]{}, err
	}
	entry.Found = true
	entry.Versionstamp = raw.Versionstamp
	return entry, nil
}

// scanEntries adapts Store.Scan to a callback that can fail. Entries are collected first so
// the callback never runs while the backend holds the scan open.
func scanEntries(ctx context.Context, store kv.Store, prefix kv.Key, opts kv.ListOptions, visit func(kv.Entry) error) error {
	var entries []kv.Entry
	if err := store.Scan(ctx, prefix, opts, func(entry kv.Entry) bool {
		entries = append(entries, entry)
		return true
	}); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := visit(entry); err != nil {
			return err
		}
	}
	return nil
}

func decodeValue(entry kv.Entry, target interface{}) error {
	if err := json.Unmarshal(entry.Value, target); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptValue, entry.Key, err)
	}
	return nil
}
