package users

import (
	"errors"
	"fmt"
)

// ErrorKind classifies account workflow failures.
type ErrorKind string

const (
	KindAuthRequired       ErrorKind = "AUTH_REQUIRED"
	KindInvalidTokenCoupon ErrorKind = "INVALID_TOKEN_COUPON"
	KindUnknown            ErrorKind = "UNKNOWN"
)

var (
	errMissingRepository = errors.New("repository is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingToken      = errors.New("access token is required")
	errCouponNotRedeemed = errors.New("token coupon is missing, expired, or already used")
)

type ServiceError struct {
	code string
	kind ErrorKind
	err  error
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

const (
	opServiceNew    = "users.service.new"
	opLogin         = "users.login"
	opRedeemCoupon  = "users.redeem_token_coupon"
	opResolveUserID = "users.resolve_user_id"
	opLogout        = "users.logout"
)

func newServiceError(operation, reason string, kind ErrorKind, cause error) *ServiceError {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), kind: kind, err: cause}
}

// KindOf reports the kind of err, or KindUnknown when err is not a ServiceError.
func KindOf(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindUnknown
}
