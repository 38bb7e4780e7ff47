package repository

import "github.com/umajho/bangumi-episode-ratings-sub000/internal/kv"

// MaxTokensPerUser caps the number of live bearer tokens a user may hold.
const MaxTokensPerUser = 10

// User lists a user's live bearer tokens, oldest first.
type User struct {
	Tokens []string `json:"tokens"`
}

// TokenEntry maps an opaque bearer token back to its owner.
type TokenEntry struct {
	UserID int64 `json:"user_id"`
}

// TokenCouponEntry is a short-lived, single-use voucher for a token.
type TokenCouponEntry struct {
	Token    string `json:"token"`
	ExpiryMs int64  `json:"expiry_ms"`
}

// EpisodeInfo caches the subject an episode belongs to. It never changes once written.
type EpisodeInfo struct {
	SubjectID int64 `json:"subject_id"`
}

// UserEpisodeRating is the source of truth for one user's rating of one episode.
type UserEpisodeRating struct {
	Score         *int  `json:"score"`
	IsVisible     bool  `json:"is_visible"`
	SubmittedAtMs int64 `json:"submitted_at_ms"`
}

// TimelineItemType enumerates the events recorded on a user timeline.
type TimelineItemType string

// TimelineItemRateEpisode records a score change.
const TimelineItemRateEpisode TimelineItemType = "rate-episode"

// RateEpisodePayload is the payload of a rate-episode timeline event.
type RateEpisodePayload struct {
	EpisodeID int64 `json:"episode_id"`
	Score     *int  `json:"score"`
}

// UserTimelineItem is an append-only timeline event.
type UserTimelineItem struct {
	Type    TimelineItemType   `json:"type"`
	Payload RateEpisodePayload `json:"payload"`
}

// TimelineItemRecord pairs a timeline item with its timestamp.
type TimelineItemRecord struct {
	TimestampMs int64
	Item        UserTimelineItem
}

// Entry is a typed read result. Versionstamp is zero when Found is false.
type Entry[T any] struct {
	Value        T
	Found        bool
	Versionstamp kv.Versionstamp
	key          kv.Key
}
