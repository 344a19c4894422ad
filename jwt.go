package main

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	JWTAccessTokenExpirationTime = time.Hour * 12
	JWTSecretEnv                 = "JWT_SECRET_KEY"
	JWTIssuer                    = "photoshare"
)

var ErrInvalidToken = errors.New("jwt: invalid token")

// Claims identifies the user by Subject and carries the role for the client.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

type Token struct {
	Access string `json:"access_token"`
}

func NewJWTAccessToken(user User) (*Token, error) {
	now := time.Now()
	claims := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    JWTIssuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(JWTAccessTokenExpirationTime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})

	secret := []byte(os.Getenv(JWTSecretEnv))

	token, err := claims.SignedString(secret)
	if err != nil {
		return nil, err
	}

	return &Token{Access: token}, nil
}

func VerifyJWTToken(token string) (*Claims, error) {
	var (
		claims = &Claims{}
		secret = []byte(os.Getenv(JWTSecretEnv))
	)

	tkn, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil || !tkn.Valid {
		return nil, ErrInvalidToken
	}

	if !claims.VerifyIssuer(JWTIssuer, true) {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
