// Package users manages bearer tokens and the single-use coupons that hand them to clients.
package users

import (
	"context"
	"time"

	"github.com/umajho/bangumi-episode-ratings-sub000/internal/repository"
	"go.uber.org/zap"
)

// DefaultCouponTTL bounds how long a freshly minted coupon can be redeemed.
const DefaultCouponTTL = 10 * time.Second

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies required for token management.
type ServiceConfig struct {
	Repository *repository.Repository
	IDProvider IDProvider
	CouponTTL  time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service issues, resolves, and revokes bearer tokens.
type Service struct {
	repo       *repository.Repository
	idProvider IDProvider
	couponTTL  time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewService constructs the token service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opServiceNew, "missing_repository", KindUnknown, errMissingRepository)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	couponTTL := cfg.CouponTTL
	if couponTTL <= 0 {
		couponTTL = DefaultCouponTTL
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
		repo:       cfg.Repository,
		idProvider: idProvider,
		couponTTL:  couponTTL,
		now:        clock,
		logger:     logger,
	}, nil
}

// Login mints a bearer token for userID and returns a coupon that redeems it. The user keeps
// at most repository.MaxTokensPerUser tokens; the oldest ones are revoked first.
func (s *Service) Login(ctx context.Context, userID int64) (string, error) {
	if userID == 0 {
		return "", newServiceError(opLogin, "missing_user_id", KindUnknown, errMissingUserID)
	}
	fields := []zap.Field{zap.Int64("user_id", userID)}

	token, err := s.idProvider.NewID()
	if err != nil {
		return "", s.fail(opLogin, "token_generation_failed", err, fields...)
	}

	err = s.repo.RetryConflicts(ctx, func(ctx context.Context) error {
		prev, err := s.repo.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		tokens := make([]string, 0, len(prev.Value.Tokens)+1)
		tokens = append(tokens, prev.Value.Tokens...)
		tokens = append(tokens, token)

		batch := s.repo.Atomic()
		if overflow := len(tokens) - repository.MaxTokensPerUser; overflow > 0 {
			for _, evicted := range tokens[:overflow] {
				batch.DeleteTokenEntryByToken(evicted)
			}
			tokens = tokens[overflow:]
		}
		batch.SetUser(prev, repository.User{Tokens: tokens}).
			SetTokenEntry(token, repository.TokenEntry{UserID: userID})
		_, err = batch.Commit(ctx)
		return err
	})
	if err != nil {
		return "", s.fail(opLogin, "token_commit_failed", err, fields...)
	}

	couponID, err := s.idProvider.NewID()
	if err != nil {
		return "", s.fail(opLogin, "coupon_generation_failed", err, fields...)
	}
	coupon := repository.TokenCouponEntry{Token: token, ExpiryMs: s.now().Add(s.couponTTL).UnixMilli()}
	err = s.repo.RetryConflicts(ctx, func(ctx context.Context) error {
		_, err := s.repo.Atomic().SetTokenCouponEntry(couponID, coupon).Commit(ctx)
		return err
	})
	if err != nil {
		return "", s.fail(opLogin, "coupon_commit_failed", err, fields...)
	}

	s.logger.Debug("user logged in", fields...)
	return couponID, nil
}

// RedeemTokenCoupon exchanges a coupon for its bearer token exactly once.
func (s *Service) RedeemTokenCoupon(ctx context.Context, couponID string) (string, error) {
	if couponID == "" {
		return "", newServiceError(opRedeemCoupon, "invalid_coupon", KindInvalidTokenCoupon, errCouponNotRedeemed)
	}
	token, ok, err := s.repo.PopTokenCouponEntryToken(ctx, couponID)
	if err != nil {
		return "", s.fail(opRedeemCoupon, "coupon_pop_failed", err)
	}
	if !ok {
		return "", newServiceError(opRedeemCoupon, "invalid_coupon", KindInvalidTokenCoupon, errCouponNotRedeemed)
	}
	return token, nil
}

// ResolveUserID returns the owner of token. Every call reads the store.
func (s *Service) ResolveUserID(ctx context.Context, token string) (int64, bool, error) {
	if token == "" {
		return 0, false, nil
	}
	entry, err := s.repo.GetTokenEntry(ctx, token)
	if err != nil {
		return 0, false, s.fail(opResolveUserID, "token_read_failed", err)
	}
	if !entry.Found {
		return 0, false, nil
	}
	return entry.Value.UserID, true, nil
}

// Logout revokes token. Revoking an unknown token is a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return newServiceError(opLogout, "missing_token", KindAuthRequired, errMissingToken)
	}
	err := s.repo.RetryConflicts(ctx, func(ctx context.Context) error {
		tokenEntry, err := s.repo.GetTokenEntry(ctx, token)
		if err != nil {
			return err
		}
		if !tokenEntry.Found {
			return nil
		}
		userEntry, err := s.repo.GetUser(ctx, tokenEntry.Value.UserID)
		if err != nil {
			return err
		}

		batch := s.repo.Atomic().DeleteTokenEntry(tokenEntry)
		if userEntry.Found {
			remaining := make([]string, 0, len(userEntry.Value.Tokens))
			for _, candidate := range userEntry.Value.Tokens {
				if candidate != token {
					remaining = append(remaining, candidate)
				}
			}
			batch.SetUser(userEntry, repository.User{Tokens: remaining})
		}
		_, err = batch.Commit(ctx)
		return err
	})
	if err != nil {
		return s.fail(opLogout, "revoke_failed", err)
	}
	return nil
}

func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
	return newServiceError(operation, reason, KindUnknown, err)
}
