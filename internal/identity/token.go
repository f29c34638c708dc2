package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSession    = errors.New("identity: no session")
	ErrTokenExpired = errors.New("identity: token expired")
	ErrBadToken     = errors.New("identity: token not decodable")
)

// Claims is the subset of a session token the notification core cares about.
type Claims struct {
	UserID    string
	Role      string
	ExpiresAt time.Time // zero when the token carries no exp
}

// Expired reports whether c has an exp at or before now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Claim names probed for the user id, in order. The last one is what
// ASP.NET style issuers emit for ClaimTypes.NameIdentifier.
var userIDClaims = []string{
	"userId",
	"user_id",
	"uid",
	"id",
	"nameid",
	"sub",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier",
}

var roleClaims = []string{
	"role",
	"roles",
	"http://schemas.microsoft.com/ws/2008/06/identity/claims/role",
}

// Decode reads the claims of token without verifying its signature. The
// core only needs the embedded id; the backend verifies tokens itself.
func Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return Claims{}, ErrNoSession
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}

	var c Claims
	for _, k := range userIDClaims {
		if id := claimString(mc[k]); id != "" {
			c.UserID = id
			break
		}
	}
	for _, k := range roleClaims {
		if r := claimString(mc[k]); r != "" {
			c.Role = r
			break
		}
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time.UTC()
	}
	return c, nil
}

func claimString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any:
		if len(x) > 0 {
			return claimString(x[0])
		}
	}
	return ""
}
