// Package keyspace maps each persisted entity onto its tuple key. The entity tags and the
// tuple layout below are the on-disk contract: changing either orphans existing rows.
package keyspace

import (
	"fmt"

	"github.com/umajho/bangumi-episode-ratings-sub000/internal/kv"
)

// Tag distinguishes entity kinds so prefix scans never cross entity boundaries.
type Tag int64

const (
	TagUser                            Tag = 1
	TagTokenEntry                      Tag = 2
	TagTokenCouponEntry                Tag = 3
	TagEpisodeInfo                     Tag = 4
	TagUserEpisodeRating               Tag = 5
	TagSubjectEpisodeScoreVotes        Tag = 6
	TagSubjectEpisodeScorePublicVoters Tag = 7
	TagUserTimelineItem                Tag = 8
)

func (t Tag) element() kv.Element {
	return kv.Int(int64(t))
}

func UserKey(userID int64) kv.Key {
	return kv.Tuple(TagUser.element(), kv.Int(userID))
}

func TokenEntryKey(token string) kv.Key {
	return kv.Tuple(TagTokenEntry.element(), kv.String(token))
}

func TokenCouponEntryKey(couponID string) kv.Key {
	return kv.Tuple(TagTokenCouponEntry.element(), kv.String(couponID))
}

func EpisodeInfoKey(episodeID int64) kv.Key {
	return kv.Tuple(TagEpisodeInfo.element(), kv.Int(episodeID))
}

func UserEpisodeRatingKey(userID, subjectID, episodeID int64) kv.Key {
	return kv.Tuple(TagUserEpisodeRating.element(), kv.Int(userID), kv.Int(subjectID), kv.Int(episodeID))
}

// UserSubjectRatingsPrefix groups every rating a user gave within one subject.
func UserSubjectRatingsPrefix(userID, subjectID int64) kv.Key {
	return kv.Tuple(TagUserEpisodeRating.element(), kv.Int(userID), kv.Int(subjectID))
}

func SubjectEpisodeScoreVotesKey(subjectID, episodeID int64, score int) kv.Key {
	return kv.Tuple(TagSubjectEpisodeScoreVotes.element(), kv.Int(subjectID), kv.Int(episodeID), kv.Int(int64(score)))
}

// SubjectEpisodeScoreVotesPrefix groups the score buckets of one episode.
func SubjectEpisodeScoreVotesPrefix(subjectID, episodeID int64) kv.Key {
	return kv.Tuple(TagSubjectEpisodeScoreVotes.element(), kv.Int(subjectID), kv.Int(episodeID))
}

// SubjectScoreVotesPrefix groups the score buckets of every episode of a subject.
func SubjectScoreVotesPrefix(subjectID int64) kv.Key {
	return kv.Tuple(TagSubjectEpisodeScoreVotes.element(), kv.Int(subjectID))
}

func SubjectEpisodeScorePublicVoterKey(subjectID, episodeID int64, score int, userID int64) kv.Key {
	return kv.Tuple(TagSubjectEpisodeScorePublicVoters.element(),
		kv.Int(subjectID), kv.Int(episodeID), kv.Int(int64(score)), kv.Int(userID))
}

// SubjectEpisodePublicVotersPrefix groups the public voter marks of one episode, by score.
func SubjectEpisodePublicVotersPrefix(subjectID, episodeID int64) kv.Key {
	return kv.Tuple(TagSubjectEpisodeScorePublicVoters.element(), kv.Int(subjectID), kv.Int(episodeID))
}

func UserTimelineItemKey(userID, timestampMs int64) kv.Key {
	return kv.Tuple(TagUserTimelineItem.element(), kv.Int(userID), kv.Int(timestampMs))
}

// UserTimelinePrefix groups a user's timeline in timestamp order.
func UserTimelinePrefix(userID int64) kv.Key {
	return kv.Tuple(TagUserTimelineItem.element(), kv.Int(userID))
}

// ScoreVotesKeyParts is the decoded natural key of a vote bucket.
type ScoreVotesKeyParts struct {
	SubjectID int64
	EpisodeID int64
	Score     int
}

// DecodeScoreVotesKey recovers the natural key of a vote bucket.
func DecodeScoreVotesKey(key kv.Key) (ScoreVotesKeyParts, error) {
	ints, err := decodeInts(key, TagSubjectEpisodeScoreVotes, 3)
	if err != nil {
		return ScoreVotesKeyParts{}, err
	}
	return ScoreVotesKeyParts{SubjectID: ints[0], EpisodeID: ints[1], Score: int(ints[2])}, nil
}

// PublicVoterKeyParts is the decoded natural key of a public voter mark.
type PublicVoterKeyParts struct {
	SubjectID int64
	EpisodeID int64
	Score     int
	UserID    int64
}

// DecodePublicVoterKey recovers the natural key of a public voter mark.
func DecodePublicVoterKey(key kv.Key) (PublicVoterKeyParts, error) {
	ints, err := decodeInts(key, TagSubjectEpisodeScorePublicVoters, 4)
	if err != nil {
		return PublicVoterKeyParts{}, err
	}
	return PublicVoterKeyParts{SubjectID: ints[0], EpisodeID: ints[1], Score: int(ints[2]), UserID: ints[3]}, nil
}

// RatingKeyParts is the decoded natural key of a user's episode rating.
type RatingKeyParts struct {
	UserID    int64
	SubjectID int64
	EpisodeID int64
}

// DecodeUserEpisodeRatingKey recovers the natural key of a rating row.
func DecodeUserEpisodeRatingKey(key kv.Key) (RatingKeyParts, error) {
	ints, err := decodeInts(key, TagUserEpisodeRating, 3)
	if err != nil {
		return RatingKeyParts{}, err
	}
	return RatingKeyParts{UserID: ints[0], SubjectID: ints[1], EpisodeID: ints[2]}, nil
}

// TimelineKeyParts is the decoded natural key of a timeline item.
type TimelineKeyParts struct {
	UserID      int64
	TimestampMs int64
}

// DecodeTimelineKey recovers the natural key of a timeline item.
func DecodeTimelineKey(key kv.Key) (TimelineKeyParts, error) {
	ints, err := decodeInts(key, TagUserTimelineItem, 2)
	if err != nil {
		return TimelineKeyParts{}, err
	}
	return TimelineKeyParts{UserID: ints[0], TimestampMs: ints[1]}, nil
}

func decodeInts(key kv.Key, tag Tag, count int) ([]int64, error) {
	elements, err := key.Decode()
	if err != nil {
		return nil, err
	}
	if len(elements) != count+1 {
		return nil, fmt.Errorf("%w: expected %d parts, got %d", kv.ErrMalformedKey, count+1, len(elements))
	}
	if !elements[0].IsInt() || Tag(elements[0].Int64()) != tag {
		return nil, fmt.Errorf("%w: expected tag %d", kv.ErrMalformedKey, tag)
	}
	ints := make([]int64, count)
	for index, element := range elements[1:] {
		if !element.IsInt() {
			return nil, fmt.Errorf("%w: part %d is not an integer", kv.ErrMalformedKey, index+1)
		}
		ints[index] = element.Int64()
	}
	return ints, nil
}
