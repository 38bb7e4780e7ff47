package ratings

import (
	"errors"
	"fmt"
)

// ErrorKind classifies workflow failures for callers that translate them into responses.
type ErrorKind string

const (
	KindBadScore                             ErrorKind = "BAD_SCORE"
	KindAuthRequired                         ErrorKind = "AUTH_REQUIRED"
	KindEpisodeNotInSubject                  ErrorKind = "EPISODE_NOT_IN_SUBJECT"
	KindUnableToVerifyThatEpisodeIsInSubject ErrorKind = "UNABLE_TO_VERIFY_THAT_EPISODE_IS_IN_SUBJECT"
	KindTimelineItemNotFound                 ErrorKind = "TIMELINE_ITEM_NOT_FOUND"
	KindUnknown                              ErrorKind = "UNKNOWN"
)

var (
	errMissingRepository = errors.New("repository is required")
	errScoreOutOfRange   = fmt.Errorf("score must be an integer between %d and %d, or null", MinScore, MaxScore)
	errMissingUser       = errors.New("authenticated user is required")
	errSubjectMismatch   = errors.New("episode belongs to another subject")
	errNoEpisodeLookup   = errors.New("episode lookup is not configured")
	errNoEpisodeSubject  = errors.New("episode lookup returned no subject")
	errTimelineItemGone  = errors.New("timeline item does not exist")
)

// ServiceError carries a stable code, a kind, and an optional user-facing message.
type ServiceError struct {
	code    string
	kind    ErrorKind
	message string
	err     error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

// Message returns the human-readable detail for the caller.
func (e *ServiceError) Message() string {
	if e.message != "" {
		return e.message
	}
	switch e.kind {
	case KindUnknown:
		return "internal error"
	case KindUnableToVerifyThatEpisodeIsInSubject:
		return "unable to verify that the episode belongs to the subject"
	}
	if e.err == nil {
		return string(e.kind)
	}
	return e.err.Error()
}

const (
	opServiceNew         = "ratings.service.new"
	opPatchEpisodeRating = "ratings.patch_episode_rating"
	opVerifyEpisode      = "ratings.verify_episode"
	opQueryEpisode       = "ratings.query_episode_ratings"
	opQuerySubject       = "ratings.query_subject_episodes_ratings"
	opQueryMyRating      = "ratings.query_episode_my_rating"
	opQueryPublicRatings = "ratings.query_episode_public_ratings"
	opQueryTimeline      = "ratings.query_my_timeline_items"
	opDeleteTimelineItem = "ratings.delete_my_timeline_item"
	opPublishVotes       = "ratings.publish_votes"
)

func newServiceError(operation, reason string, kind ErrorKind, cause error) *ServiceError {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), kind: kind, err: cause}
}

func (e *ServiceError) withMessage(message string) *ServiceError {
	e.message = message
	return e
}

// KindOf reports the kind of err, or KindUnknown when err is not a ServiceError.
func KindOf(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindUnknown
}

// detailedError is implemented by upstream errors that carry a human-readable explanation.
type detailedError interface {
	Detail() string
}
