// Package auth verifies the bearer credentials presented by websocket
// clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt"
)

var ErrUnauthorized = errors.New("unauthorized")

const (
	userIdClaim  = "user-id"
	subjectClaim = "sub"
	expClaim     = "exp"
)

// JWTVerifier accepts HMAC signed tokens carrying the user id in the
// "user-id" claim, or "sub" when that is absent.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) VerifyCredential(_ context.Context, tokenString string) (int64, error) {
	if tokenString == "" {
		return 0, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: parse token: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return 0, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	if _, ok := claims[expClaim]; !ok {
		return 0, fmt.Errorf("%w: token has no expiry", ErrUnauthorized)
	}

	userId, err := userIdFromClaims(claims)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	return userId, nil
}

func userIdFromClaims(claims jwt.MapClaims) (int64, error) {
	switch v := claims[userIdClaim].(type) {
	case float64:
		if v > 0 && v == float64(int64(v)) {
			return int64(v), nil
		}
		return 0, errors.New("invalid user id claim")
	case string:
		return parseUserId(v)
	}

	if sub, ok := claims[subjectClaim].(string); ok {
		return parseUserId(sub)
	}

	return 0, errors.New("no user id claim")
}

func parseUserId(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid user id claim")
	}
	return id, nil
}

// IssueToken signs a token for userId that expires after exp.
func IssueToken(secret []byte, userId int64, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(secret)
}
