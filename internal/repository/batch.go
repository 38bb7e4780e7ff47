package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/umajho/bangumi-episode-ratings-sub000/internal/keyspace"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/kv"
	"go.uber.org/zap"
)

var errEntryWithoutKey = errors.New("repository: entry was not read from the store")

// Batch accumulates checks and mutations for a single atomic commit. Encoding failures
// are recorded and reported by Commit.
type Batch struct {
	repo *Repository
	op   *kv.AtomicOperation
	err  error
}

// Atomic starts a new batch.
func (r *Repository) Atomic() *Batch {
	return &Batch{repo: r, op: kv.NewAtomicOperation()}
}

// SetUser replaces the user record read as prev.
func (b *Batch) SetUser(prev Entry[User], user User) *Batch {
	return b.checkedSet(prev.key, prev.Versionstamp, user)
}

// SetUserEpisodeRating replaces the rating read as prev.
func (b *Batch) SetUserEpisodeRating(prev Entry[UserEpisodeRating], rating UserEpisodeRating) *Batch {
	return b.checkedSet(prev.key, prev.Versionstamp, rating)
}

// DeleteTokenEntry removes the token entry read as prev.
func (b *Batch) DeleteTokenEntry(prev Entry[TokenEntry]) *Batch {
	return b.checkedDelete(prev.key, prev.Versionstamp)
}

// DeleteUserTimelineItem removes the timeline item read as prev.
func (b *Batch) DeleteUserTimelineItem(prev Entry[UserTimelineItem]) *Batch {
	return b.checkedDelete(prev.key, prev.Versionstamp)
}

// DeleteTokenEntryByToken removes a token entry without reading it first. Used when the
// owning User record is already pinned by the same batch.
func (b *Batch) DeleteTokenEntryByToken(token string) *Batch {
	b.op.Delete(keyspace.TokenEntryKey(token))
	return b
}

// SetTokenEntry inserts a token entry, failing the commit if the token already exists.
func (b *Batch) SetTokenEntry(token string, entry TokenEntry) *Batch {
	value, ok := b.encode(entry)
	if ok {
		b.op.InsertIfAbsent(keyspace.TokenEntryKey(token), value)
	}
	return b
}

func (b *Batch) SetTokenCouponEntry(couponID string, entry TokenCouponEntry) *Batch {
	value, ok := b.encode(entry)
	if ok {
		b.op.Set(keyspace.TokenCouponEntryKey(couponID), value)
	}
	return b
}

func (b *Batch) IncreaseSubjectEpisodeScoreVotes(subjectID, episodeID int64, score int) *Batch {
	return b.AdjustSubjectEpisodeScoreVotes(subjectID, episodeID, score, 1)
}

func (b *Batch) DecreaseSubjectEpisodeScoreVotes(subjectID, episodeID int64, score int) *Batch {
	return b.AdjustSubjectEpisodeScoreVotes(subjectID, episodeID, score, -1)
}

// AdjustSubjectEpisodeScoreVotes adds a signed delta to a vote bucket. A zero delta is a no-op.
func (b *Batch) AdjustSubjectEpisodeScoreVotes(subjectID, episodeID int64, score int, delta int64) *Batch {
	if delta == 0 {
		return b
	}
	b.op.AddUnsigned(keyspace.SubjectEpisodeScoreVotesKey(subjectID, episodeID, score), kv.EncodeDelta(delta))
	return b
}

func (b *Batch) SetSubjectEpisodeScorePublicVoter(subjectID, episodeID int64, score int, userID int64) *Batch {
	b.op.Set(keyspace.SubjectEpisodeScorePublicVoterKey(subjectID, episodeID, score, userID), []byte{1})
	return b
}

func (b *Batch) DeleteSubjectEpisodeScorePublicVoter(subjectID, episodeID int64, score int, userID int64) *Batch {
	b.op.Delete(keyspace.SubjectEpisodeScorePublicVoterKey(subjectID, episodeID, score, userID))
	return b
}

// InsertUserTimelineItem appends a timeline event. The commit conflicts when the user
// already has an event at the same millisecond.
func (b *Batch) InsertUserTimelineItem(userID, timestampMs int64, item UserTimelineItem) *Batch {
	value, ok := b.encode(item)
	if ok {
		b.op.InsertIfAbsent(keyspace.UserTimelineItemKey(userID, timestampMs), value)
	}
	return b
}

// Empty reports whether the batch would write nothing.
func (b *Batch) Empty() bool {
	return b.op.Empty()
}

// Commit applies the batch. It returns kv.ErrConflict when any pinned entry changed.
func (b *Batch) Commit(ctx context.Context) (kv.Versionstamp, error) {
	if b.err != nil {
		return 0, b.err
	}
	versionstamp, err := b.repo.store.Commit(ctx, b.op)
	if errors.Is(err, kv.ErrConflict) {
		b.repo.logger.Debug("batch commit conflicted", zap.Int("mutations", len(b.op.Mutations())))
	}
	return versionstamp, err
}

func (b *Batch) checkedSet(key kv.Key, versionstamp kv.Versionstamp, value interface{}) *Batch {
	if key == nil {
		b.fail(errEntryWithoutKey)
		return b
	}
	encoded, ok := b.encode(value)
	if ok {
		b.op.Check(key, versionstamp).Set(key, encoded)
	}
	return b
}

func (b *Batch) checkedDelete(key kv.Key, versionstamp kv.Versionstamp) *Batch {
	if key == nil {
		b.fail(errEntryWithoutKey)
		return b
	}
	b.op.Check(key, versionstamp).Delete(key)
	return b
}

func (b *Batch) encode(value interface{}) ([]byte, bool) {
	encoded, err := json.Marshal(value)
	if err != nil {
		b.fail(err)
		return nil, false
	}
	return encoded, true
}

func (b *Batch) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}
