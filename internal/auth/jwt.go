package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claimTimes extracts exp and iat from a JWT bearer token without verifying
// it. ok is false when the token is not a JWT or carries no exp.
func claimTimes(token string) (exp, iat time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, time.Time{}, false
	}
	e, err := claims.GetExpirationTime()
	if err != nil || e == nil {
		return time.Time{}, time.Time{}, false
	}
	if i, err := claims.GetIssuedAt(); err == nil && i != nil {
		iat = i.Time
	}
	return e.Time, iat, true
}
