package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ParseAndExtractAuthContext parses an HS256 token and returns its identity.
func ParseAndExtractAuthContext(tokenStr, secret string) (*Context, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return &Context{
		UserID:    toString(claims["sub"]),
		Roles:     toStringSlice(claims["roles"]),
		IssuedAt:  toTime(claims["iat"]),
		ExpiresAt: toTime(claims["exp"]),
		RawClaims: claims,
	}, nil
}

// Sign issues an HS256 token for userID with roles. It backs the admin CLI
// and tests.
func Sign(secret, userID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toStringSlice(v interface{}) []string {
	switch arr := v.(type) {
	case []interface{}:
		res := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	case []string:
		return arr
	case string:
		return []string{arr}
	}
	return nil
}

func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return time.Unix(i, 0)
		}
	}
	return time.Time{}
}
