package oidc

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiredJWT reports whether token is a JWT whose exp claim is before now.
// The signature is not checked, so a false result proves nothing; callers
// only use a true result to reject early.
func ExpiredJWT(token string, now time.Time) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time)
}
