package ratings

import (
	"context"
	"errors"

	"github.com/umajho/bangumi-episode-ratings-sub000/internal/repository"
	"go.uber.org/zap"
)

type ratingTransition struct {
	state        RatingState
	subjectID    int64
	episodeID    int64
	oldScore     *int
	newScore     *int
	scoreChanged bool
	wrote        bool
}

// PatchEpisodeRating applies a rating change in two commits: the rating with its public
// mark and timeline event, then the vote counters when the score value moved.
func (s *Service) PatchEpisodeRating(ctx context.Context, req PatchRequest) (RatingState, error) {
	fields := []zap.Field{
		zap.Int64("user_id", req.UserID),
		zap.Int64("subject_id", req.ClaimedSubjectID),
		zap.Int64("episode_id", req.EpisodeID),
	}

	if err := req.Score.validate(); err != nil {
		observePatchKind(KindBadScore)
		return RatingState{}, newServiceError(opPatchEpisodeRating, "bad_score", KindBadScore, err)
	}
	if req.UserID == 0 {
		observePatchKind(KindAuthRequired)
		return RatingState{}, newServiceError(opPatchEpisodeRating, "auth_required", KindAuthRequired, errMissingUser)
	}
	if err := s.verifyEpisodeInSubject(ctx, req.ClaimedSubjectID, req.EpisodeID); err != nil {
		observePatchFailure(err)
		return RatingState{}, err
	}

	var transition ratingTransition
	err := s.repo.RetryConflicts(ctx, func(ctx context.Context) error {
		var attemptErr error
		transition, attemptErr = s.commitRating(ctx, req)
		return attemptErr
	})
	if err != nil {
		observePatchKind(KindUnknown)
		return RatingState{}, s.fail(opPatchEpisodeRating, "rating_commit_failed", err, fields...)
	}
	if !transition.wrote {
		observePatch(outcomeUnchanged)
		return transition.state, nil
	}

	if transition.scoreChanged {
		// The rating is already committed; the counters must follow even if the caller left.
		detached := context.WithoutCancel(ctx)
		if err := s.commitVotes(detached, transition); err != nil {
			observePatchKind(KindUnknown)
			return RatingState{}, s.fail(opPatchEpisodeRating, "votes_commit_failed", err, fields...)
		}
		s.publishVotes(detached, transition.subjectID, req.EpisodeID)
	}

	observePatch(outcomeUpdated)
	return transition.state, nil
}

func (s *Service) commitRating(ctx context.Context, req PatchRequest) (ratingTransition, error) {
	prev, err := s.repo.GetUserEpisodeRating(ctx, req.UserID, req.ClaimedSubjectID, req.EpisodeID)
	if err != nil {
		return ratingTransition{}, err
	}
	old := defaultRating()
	if prev.Found {
		old = prev.Value
	}

	next := repository.UserEpisodeRating{Score: copyScore(old.Score), IsVisible: old.IsVisible}
	if req.Score.Present() {
		next.Score = req.Score.Value()
	}
	if req.IsVisible != nil {
		next.IsVisible = *req.IsVisible
	}

	transition := ratingTransition{
		state:        stateOf(next),
		subjectID:    req.ClaimedSubjectID,
		episodeID:    req.EpisodeID,
		oldScore:     old.Score,
		newScore:     next.Score,
		scoreChanged: !sameScore(old.Score, next.Score),
	}
	if !transition.scoreChanged && old.IsVisible == next.IsVisible {
		return transition, nil
	}

	nowMs := s.clock().UnixMilli()
	next.SubmittedAtMs = nowMs

	batch := s.repo.Atomic().SetUserEpisodeRating(prev, next)
	if old.IsVisible && old.Score != nil && (!next.IsVisible || transition.scoreChanged) {
		batch.DeleteSubjectEpisodeScorePublicVoter(req.ClaimedSubjectID, req.EpisodeID, *old.Score, req.UserID)
	}
	if next.IsVisible && next.Score != nil && (!old.IsVisible || transition.scoreChanged) {
		batch.SetSubjectEpisodeScorePublicVoter(req.ClaimedSubjectID, req.EpisodeID, *next.Score, req.UserID)
	}
	if req.Score.Present() {
		batch.InsertUserTimelineItem(req.UserID, nowMs, repository.UserTimelineItem{
			Type:    repository.TimelineItemRateEpisode,
			Payload: repository.RateEpisodePayload{EpisodeID: req.EpisodeID, Score: copyScore(next.Score)},
		})
	}

	if _, err := batch.Commit(ctx); err != nil {
		return ratingTransition{}, err
	}
	transition.wrote = true
	return transition, nil
}

func (s *Service) commitVotes(ctx context.Context, transition ratingTransition) error {
	subjectID, episodeID := transition.subjectID, transition.episodeID
	return s.repo.RetryConflicts(ctx, func(ctx context.Context) error {
		batch := s.repo.Atomic()
		if transition.newScore != nil {
			batch.IncreaseSubjectEpisodeScoreVotes(subjectID, episodeID, *transition.newScore)
		}
		if transition.oldScore != nil {
			batch.DecreaseSubjectEpisodeScoreVotes(subjectID, episodeID, *transition.oldScore)
		}
		if batch.Empty() {
			return nil
		}
		_, err := batch.Commit(ctx)
		return err
	})
}

func (s *Service) publishVotes(ctx context.Context, subjectID, episodeID int64) {
	if s.publisher == nil {
		return
	}
	votes, err := s.repo.ListSubjectEpisodeScoreVotes(ctx, subjectID, episodeID)
	if err != nil {
		s.logError(opPublishVotes, "votes_read_failed", err,
			zap.Int64("subject_id", subjectID),
			zap.Int64("episode_id", episodeID))
		return
	}
	s.publisher.PublishVotes(subjectID, episodeID, positiveVotes(votes))
}

// verifyEpisodeInSubject confirms the claimed subject, consulting the upstream catalog
// only when the episode has not been seen before.
func (s *Service) verifyEpisodeInSubject(ctx context.Context, claimedSubjectID, episodeID int64) error {
	fields := []zap.Field{zap.Int64("subject_id", claimedSubjectID), zap.Int64("episode_id", episodeID)}

	info, err := s.repo.GetEpisodeInfo(ctx, episodeID)
	if err != nil {
		return s.fail(opVerifyEpisode, "episode_info_read_failed", err, fields...)
	}
	subjectID := info.Value.SubjectID
	if !info.Found {
		subjectID, err = s.lookupEpisodeSubject(ctx, episodeID)
		if err != nil {
			s.loggerOrDefault().Warn("episode lookup failed", append(fields, zap.Error(err))...)
			verifyErr := newServiceError(opVerifyEpisode, "lookup_failed", KindUnableToVerifyThatEpisodeIsInSubject, err)
			var detailed detailedError
			if errors.As(err, &detailed) && detailed.Detail() != "" {
				verifyErr = verifyErr.withMessage(detailed.Detail())
			}
			return verifyErr
		}
		if err := s.repo.SetEpisodeInfo(ctx, episodeID, repository.EpisodeInfo{SubjectID: subjectID}); err != nil {
			return s.fail(opVerifyEpisode, "episode_info_write_failed", err, fields...)
		}
	}

	if subjectID != claimedSubjectID {
		return newServiceError(opVerifyEpisode, "subject_mismatch", KindEpisodeNotInSubject, errSubjectMismatch)
	}
	return nil
}

func (s *Service) lookupEpisodeSubject(ctx context.Context, episodeID int64) (int64, error) {
	if s.episodes == nil {
		return 0, errNoEpisodeLookup
	}
	subjectID, err := s.episodes.LookupEpisodeSubject(ctx, episodeID)
	if err != nil {
		return 0, err
	}
	// EpisodeInfo is write-once, so an unusable answer must never reach the cache.
	if subjectID <= 0 {
		return 0, errNoEpisodeSubject
	}
	return subjectID, nil
}
