package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/umajho/bangumi-episode-ratings-sub000/internal/ratings"
)

var badScoreMessage = fmt.Sprintf("score must be an integer between %d and %d, or null", ratings.MinScore, ratings.MaxScore)

type patchRatingPayload struct {
	Score     json.RawMessage `json:"score"`
	IsVisible *bool           `json:"is_visible"`
}

type votesEventPayload struct {
	SubjectID int64         `json:"subject_id"`
	EpisodeID int64         `json:"episode_id"`
	Votes     map[int]int64 `json:"votes"`
}

type heartbeatEventPayload struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

func (h *httpHandler) handleSubjectEpisodesRatings(c *gin.Context) {
	subjectID, ok := positiveParam(c, "subject_id")
	if !ok {
		return
	}
	result, err := h.ratings.QuerySubjectEpisodesRatings(c.Request.Context(), requestUserID(c), subjectID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

func (h *httpHandler) handleEpisodeRatings(c *gin.Context) {
	subjectID, episodeID, ok := episodeParams(c)
	if !ok {
		return
	}
	result, err := h.ratings.QueryEpisodeRatings(c.Request.Context(), requestUserID(c), subjectID, episodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

func (h *httpHandler) handleEpisodeMyRating(c *gin.Context) {
	subjectID, episodeID, ok := episodeParams(c)
	if !ok {
		return
	}
	result, err := h.ratings.QueryEpisodeMyRating(c.Request.Context(), requestUserID(c), subjectID, episodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

func (h *httpHandler) handlePatchEpisodeRating(c *gin.Context) {
	subjectID, episodeID, ok := episodeParams(c)
	if !ok {
		return
	}
	var payload patchRatingPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondBadRequest(c, "request body must be a JSON object")
		return
	}
	score, err := parseScorePatch(payload.Score)
	if err != nil {
		respondFailure(c, http.StatusBadRequest, string(ratings.KindBadScore), badScoreMessage)
		return
	}

	state, err := h.ratings.PatchEpisodeRating(c.Request.Context(), ratings.PatchRequest{
		UserID:           requestUserID(c),
		ClaimedSubjectID: subjectID,
		EpisodeID:        episodeID,
		Score:            score,
		IsVisible:        payload.IsVisible,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, state)
}

func (h *httpHandler) handleEpisodePublicRatings(c *gin.Context) {
	subjectID, episodeID, ok := episodeParams(c)
	if !ok {
		return
	}
	result, err := h.ratings.QueryEpisodePublicRatings(c.Request.Context(), subjectID, episodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

// handleVotesStream pushes the vote distribution of one episode as server-sent events,
// starting with a snapshot.
func (h *httpHandler) handleVotesStream(c *gin.Context) {
	subjectID, episodeID, ok := episodeParams(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	stream, cleanup := h.votes.Subscribe(ctx, subjectID, episodeID)
	defer cleanup()

	snapshot, err := h.ratings.QueryEpisodeRatings(ctx, 0, subjectID, episodeID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(RealtimeEventVotes, votesEventPayload{SubjectID: subjectID, EpisodeID: episodeID, Votes: snapshot.Votes})
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatEvery)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(RealtimeEventVotes, votesEventPayload{
				SubjectID: message.SubjectID,
				EpisodeID: message.EpisodeID,
				Votes:     message.Votes,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatEventPayload{TimestampMs: tick.UnixMilli()})
			return true
		}
	})
}

func (h *httpHandler) handleMyTimelineItems(c *gin.Context) {
	offset, ok := optionalQueryInt(c, "offset")
	if !ok {
		return
	}
	limit, ok := optionalQueryInt(c, "limit")
	if !ok {
		return
	}
	page, err := h.ratings.QueryMyTimelineItems(c.Request.Context(), requestUserID(c), offset, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, page)
}

func (h *httpHandler) handleDeleteMyTimelineItem(c *gin.Context) {
	timestampMs, ok := positiveParam(c, "timestamp_ms")
	if !ok {
		return
	}
	if err := h.ratings.DeleteMyTimelineItem(c.Request.Context(), requestUserID(c), timestampMs); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, nil)
}

// parseScorePatch distinguishes an absent score, an explicit null, and a number.
func parseScorePatch(raw json.RawMessage) (ratings.ScorePatch, error) {
	if len(raw) == 0 {
		return ratings.KeepScore(), nil
	}
	if string(raw) == "null" {
		return ratings.ClearScore(), nil
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return ratings.ScorePatch{}, err
	}
	if value != math.Trunc(value) || math.Abs(value) > math.MaxInt32 {
		return ratings.ScorePatch{}, fmt.Errorf("score %v is not an integer", value)
	}
	return ratings.SetScore(int(value)), nil
}

func episodeParams(c *gin.Context) (int64, int64, bool) {
	subjectID, ok := positiveParam(c, "subject_id")
	if !ok {
		return 0, 0, false
	}
	episodeID, ok := positiveParam(c, "episode_id")
	if !ok {
		return 0, 0, false
	}
	return subjectID, episodeID, true
}

func positiveParam(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || value <= 0 {
		respondBadRequest(c, fmt.Sprintf("%s must be a positive integer", name))
		return 0, false
	}
	return value, true
}

func optionalQueryInt(c *gin.Context, name string) (int, bool) {
	raw, present := c.GetQuery(name)
	if !present || raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		respondBadRequest(c, fmt.Sprintf("%s must be a non-negative integer", name))
		return 0, false
	}
	return value, true
}
