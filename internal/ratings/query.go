package ratings

import (
	"context"

	"go.uber.org/zap"
)

// QueryEpisodeRatings returns vote counts, public voters, and, when userID is non-zero,
// the caller's own rating of one episode.
func (s *Service) QueryEpisodeRatings(ctx context.Context, userID, subjectID, episodeID int64) (EpisodeRatings, error) {
	fields := []zap.Field{zap.Int64("subject_id", subjectID), zap.Int64("episode_id", episodeID)}

	votes, err := s.repo.ListSubjectEpisodeScoreVotes(ctx, subjectID, episodeID)
	if err != nil {
		return EpisodeRatings{}, s.fail(opQueryEpisode, "votes_read_failed", err, fields...)
	}
	voters, err := s.repo.ListSubjectEpisodeScorePublicVoters(ctx, subjectID, episodeID)
	if err != nil {
		return EpisodeRatings{}, s.fail(opQueryEpisode, "public_voters_read_failed", err, fields...)
	}

	result := EpisodeRatings{
		Votes:         positiveVotes(votes),
		PublicRatings: PublicRatings{PublicVotersByScore: voters},
	}
	if userID != 0 {
		state, err := s.readMyRating(ctx, userID, subjectID, episodeID)
		if err != nil {
			return EpisodeRatings{}, s.fail(opQueryEpisode, "my_rating_read_failed", err, append(fields, zap.Int64("user_id", userID))...)
		}
		result.MyRating = &state
	}
	return result, nil
}

// QuerySubjectEpisodesRatings returns vote counts of every episode of a subject.
func (s *Service) QuerySubjectEpisodesRatings(ctx context.Context, userID, subjectID int64) (SubjectEpisodesRatings, error) {
	episodes, err := s.repo.ListSubjectScoreVotes(ctx, subjectID)
	if err != nil {
		return SubjectEpisodesRatings{}, s.fail(opQuerySubject, "votes_read_failed", err, zap.Int64("subject_id", subjectID))
	}

	result := SubjectEpisodesRatings{EpisodesVotes: make(map[int64]map[int]int64, len(episodes))}
	for episodeID, votes := range episodes {
		filtered := positiveVotes(votes)
		if len(filtered) > 0 {
			result.EpisodesVotes[episodeID] = filtered
		}
	}

	if userID != 0 {
		ratings, err := s.repo.ListUserSubjectRatings(ctx, userID, subjectID)
		if err != nil {
			return SubjectEpisodesRatings{}, s.fail(opQuerySubject, "my_ratings_read_failed", err,
				zap.Int64("subject_id", subjectID), zap.Int64("user_id", userID))
		}
		result.MyRatings = make(map[int64]int, len(ratings))
		for episodeID, rating := range ratings {
			if rating.Score != nil {
				result.MyRatings[episodeID] = *rating.Score
			}
		}
	}
	return result, nil
}

// QueryEpisodeMyRating returns the caller's effective rating. A never-rated episode reads as
// a null score with visibility on.
func (s *Service) QueryEpisodeMyRating(ctx context.Context, userID, subjectID, episodeID int64) (RatingState, error) {
	if userID == 0 {
		return RatingState{}, newServiceError(opQueryMyRating, "auth_required", KindAuthRequired, errMissingUser)
	}
	state, err := s.readMyRating(ctx, userID, subjectID, episodeID)
	if err != nil {
		return RatingState{}, s.fail(opQueryMyRating, "rating_read_failed", err,
			zap.Int64("user_id", userID), zap.Int64("subject_id", subjectID), zap.Int64("episode_id", episodeID))
	}
	return state, nil
}

func (s *Service) QueryEpisodePublicRatings(ctx context.Context, subjectID, episodeID int64) (PublicRatings, error) {
	voters, err := s.repo.ListSubjectEpisodeScorePublicVoters(ctx, subjectID, episodeID)
	if err != nil {
		return PublicRatings{}, s.fail(opQueryPublicRatings, "public_voters_read_failed", err,
			zap.Int64("subject_id", subjectID), zap.Int64("episode_id", episodeID))
	}
	return PublicRatings{PublicVotersByScore: voters}, nil
}

// QueryMyTimelineItems returns a page of the caller's timeline, newest first. A non-positive
// limit selects the default page size.
func (s *Service) QueryMyTimelineItems(ctx context.Context, userID int64, offset, limit int) (TimelinePage, error) {
	if userID == 0 {
		return TimelinePage{}, newServiceError(opQueryTimeline, "auth_required", KindAuthRequired, errMissingUser)
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultTimelineLimit
	}
	if limit > maxTimelineLimit {
		limit = maxTimelineLimit
	}

	records, err := s.repo.ListUserTimelineItems(ctx, userID, offset, limit)
	if err != nil {
		return TimelinePage{}, s.fail(opQueryTimeline, "timeline_read_failed", err, zap.Int64("user_id", userID))
	}

	episodeIDs := make([]int64, 0, len(records))
	seen := make(map[int64]struct{}, len(records))
	for _, record := range records {
		episodeID := record.Item.Payload.EpisodeID
		if _, ok := seen[episodeID]; ok {
			continue
		}
		seen[episodeID] = struct{}{}
		episodeIDs = append(episodeIDs, episodeID)
	}
	infos, err := s.repo.GetManyEpisodeInfos(ctx, episodeIDs)
	if err != nil {
		return TimelinePage{}, s.fail(opQueryTimeline, "episode_infos_read_failed", err, zap.Int64("user_id", userID))
	}

	page := TimelinePage{Items: make([]TimelineItem, 0, len(records))}
	for _, record := range records {
		payload := TimelineItemPayload{
			EpisodeID: record.Item.Payload.EpisodeID,
			Score:     copyScore(record.Item.Payload.Score),
		}
		if info, ok := infos[payload.EpisodeID]; ok {
			subjectID := info.SubjectID
			payload.SubjectID = &subjectID
		}
		page.Items = append(page.Items, TimelineItem{
			TimestampMs: record.TimestampMs,
			Type:        record.Item.Type,
			Payload:     payload,
		})
	}
	return page, nil
}

// DeleteMyTimelineItem removes one event from the caller's timeline. Ratings and vote
// counters are not touched.
func (s *Service) DeleteMyTimelineItem(ctx context.Context, userID, timestampMs int64) error {
	if userID == 0 {
		return newServiceError(opDeleteTimelineItem, "auth_required", KindAuthRequired, errMissingUser)
	}

	found := false
	err := s.repo.RetryConflicts(ctx, func(ctx context.Context) error {
		item, err := s.repo.GetUserTimelineItem(ctx, userID, timestampMs)
		if err != nil {
			return err
		}
		found = item.Found
		if !found {
			return nil
		}
		_, err = s.repo.Atomic().DeleteUserTimelineItem(item).Commit(ctx)
		return err
	})
	if err != nil {
		return s.fail(opDeleteTimelineItem, "delete_failed", err,
			zap.Int64("user_id", userID), zap.Int64("timestamp_ms", timestampMs))
	}
	if !found {
		return newServiceError(opDeleteTimelineItem, "not_found", KindTimelineItemNotFound, errTimelineItemGone)
	}
	return nil
}

func (s *Service) readMyRating(ctx context.Context, userID, subjectID, episodeID int64) (RatingState, error) {
	entry, err := s.repo.GetUserEpisodeRating(ctx, userID, subjectID, episodeID)
	if err != nil {
		return RatingState{}, err
	}
	rating := defaultRating()
	if entry.Found {
		rating = entry.Value
	}
	return stateOf(rating), nil
}
