// Package ratings implements the episode rating workflow and its read models on top of
// the repository layer.
package ratings

import (
	"context"
	"time"

	"github.com/umajho/bangumi-episode-ratings-sub000/internal/repository"
	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

// EpisodeLookup resolves the subject an episode belongs to from the upstream catalog.
type EpisodeLookup interface {
	LookupEpisodeSubject(ctx context.Context, episodeID int64) (int64, error)
}

// VotesPublisher receives the fresh vote tally of an episode after its counters change.
type VotesPublisher interface {
	PublishVotes(subjectID, episodeID int64, votes map[int]int64)
}

type ServiceConfig struct {
	Repository *repository.Repository
	Episodes   EpisodeLookup
	Publisher  VotesPublisher
	Clock      func() time.Time
	Logger     *zap.Logger
}

type Service struct {
	repo      *repository.Repository
	episodes  EpisodeLookup
	publisher VotesPublisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opServiceNew, "missing_repository", KindUnknown, errMissingRepository)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		repo:      cfg.Repository,
		episodes:  cfg.Episodes,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("ratings service error", attrs...)
}

// fail logs an unexpected store failure and wraps it as an UNKNOWN service error.
func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, KindUnknown, err)
}
