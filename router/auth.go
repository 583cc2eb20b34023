package router

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/user/glasslink/logger"
)

var (
	// ErrTokenExpired rejects a JWT-shaped core token whose exp is in the past
	ErrTokenExpired = errors.New("router: core token expired")
	// ErrEmptyToken rejects an auth_token message without coreToken
	ErrEmptyToken = errors.New("router: empty core token")
)

// CheckCoreToken inspects a core token without verifying its signature.
// The signing key lives in the cloud; the device only refuses tokens that
// are already expired. Opaque (non-JWT) tokens are accepted as-is.
func CheckCoreToken(token string, now time.Time) error {
	if token == "" {
		return ErrEmptyToken
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("router: malformed core token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("router: bad exp claim: %w", err)
	}
	if exp != nil && !now.Before(exp.Time) {
		return ErrTokenExpired
	}
	return nil
}

func (r *Router) handleAuthToken(env Envelope) {
	token := env.String("coreToken")
	ok := r.saveToken(token)

	resp := newEnvelope("token_status")
	resp["success"] = ok
	resp["timestamp"] = millis(r.opts.Now())
	r.send(resp)
}

func (r *Router) saveToken(token string) bool {
	if err := CheckCoreToken(token, r.opts.Now()); err != nil {
		logger.Warn(r.prefix, "Rejecting core token: %v", err)
		return false
	}
	if r.opts.Tokens == nil {
		logger.Warn(r.prefix, "No token store configured")
		return false
	}
	if err := r.opts.Tokens.SaveCoreToken(token); err != nil {
		logger.Error(r.prefix, "Failed to save core token: %v", err)
		return false
	}
	logger.Info(r.prefix, "Saved core token")
	return true
}
