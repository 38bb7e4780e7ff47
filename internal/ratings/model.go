package ratings

import "github.com/umajho/bangumi-episode-ratings-sub000/internal/repository"

const (
	MinScore = 1
	MaxScore = 10
)

const (
	defaultTimelineLimit = 10
	maxTimelineLimit     = 100
)

// ScorePatch is the score field of a patch: absent, explicitly null, or a value.
type ScorePatch struct {
	present bool
	value   *int
}

// KeepScore leaves the stored score untouched.
func KeepScore() ScorePatch {
	return ScorePatch{}
}

// ClearScore withdraws the stored score.
func ClearScore() ScorePatch {
	return ScorePatch{present: true}
}

// SetScore replaces the stored score with value. Range validation happens in the workflow.
func SetScore(value int) ScorePatch {
	return ScorePatch{present: true, value: &value}
}

func (p ScorePatch) Present() bool {
	return p.present
}

// Value returns the patched score, nil meaning null.
func (p ScorePatch) Value() *int {
	if p.value == nil {
		return nil
	}
	v := *p.value
	return &v
}

func (p ScorePatch) validate() error {
	if p.value == nil {
		return nil
	}
	if *p.value < MinScore || *p.value > MaxScore {
		return errScoreOutOfRange
	}
	return nil
}

// PatchRequest describes one rating change. UserID zero means unauthenticated.
type PatchRequest struct {
	UserID           int64
	ClaimedSubjectID int64
	EpisodeID        int64
	Score            ScorePatch
	IsVisible        *bool
}

type Visibility struct {
	IsVisible bool `json:"is_visible"`
}

// RatingState is a user's effective rating of one episode.
type RatingState struct {
	Score      *int       `json:"score"`
	Visibility Visibility `json:"visibility"`
}

type PublicRatings struct {
	PublicVotersByScore map[int][]int64 `json:"public_voters_by_score"`
}

// EpisodeRatings is the aggregate view of one episode. MyRating is nil for anonymous callers.
type EpisodeRatings struct {
	Votes         map[int]int64 `json:"votes"`
	MyRating      *RatingState  `json:"my_rating,omitempty"`
	PublicRatings PublicRatings `json:"public_ratings"`
}

// SubjectEpisodesRatings aggregates every episode of a subject. MyRatings holds only
// non-null scores and is nil for anonymous callers.
type SubjectEpisodesRatings struct {
	EpisodesVotes map[int64]map[int]int64 `json:"episodes_votes"`
	MyRatings     map[int64]int           `json:"my_ratings,omitempty"`
}

// TimelineItem is a timeline event enriched with the subject of its episode when known.
type TimelineItem struct {
	TimestampMs int64                       `json:"timestamp_ms"`
	Type        repository.TimelineItemType `json:"type"`
	Payload     TimelineItemPayload         `json:"payload"`
}

type TimelineItemPayload struct {
	SubjectID *int64 `json:"subject_id"`
	EpisodeID int64  `json:"episode_id"`
	Score     *int   `json:"score"`
}

type TimelinePage struct {
	Items []TimelineItem `json:"items"`
}

func defaultRating() repository.UserEpisodeRating {
	return repository.UserEpisodeRating{IsVisible: true}
}

func stateOf(rating repository.UserEpisodeRating) RatingState {
	return RatingState{Score: copyScore(rating.Score), Visibility: Visibility{IsVisible: rating.IsVisible}}
}

func copyScore(score *int) *int {
	if score == nil {
		return nil
	}
	v := *score
	return &v
}

func sameScore(left, right *int) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}

// positiveVotes drops buckets whose signed count is not above zero.
func positiveVotes(votes map[int]int64) map[int]int64 {
	filtered := make(map[int]int64, len(votes))
	for score, count := range votes {
		if count > 0 {
			filtered[score] = count
		}
	}
	return filtered
}
