package widget

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = 5 * time.Minute

var ErrInvalidToken = errors.New("invalid widget token")

// NewToken issues a short-lived token a widget presents when opening its
// messaging WebSocket.
func NewToken(secret, widgetUID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": widgetUID,
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates the token and returns the widget UID it was issued for.
func ParseToken(secret, tokenString string) (string, error) {
	return parseTokenAt(secret, tokenString, time.Now)
}

func parseTokenAt(secret, tokenString string, now func() time.Time) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(now))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	uid, _ := claims["sub"].(string)
	if uid == "" {
		return "", ErrInvalidToken
	}
	return uid, nil
}
