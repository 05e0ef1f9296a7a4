package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MediaClaims authorize one uid to join one audio channel.
type MediaClaims struct {
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	jwt.RegisteredClaims
}

func SignMediaToken(secret, channel string, uid uint32, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := MediaClaims{
		Channel: channel,
		UID:     uid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func ParseMediaToken(tokenStr, secret string) (*MediaClaims, error) {
	var claims MediaClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, keyFunc(secret), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &claims, nil
}
