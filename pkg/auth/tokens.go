package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"grape/models"
)

const tokenIssuer = "grape"

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens whose subject is the user id.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *TokenIssuer) Issue(owner models.Owner) (string, error) {
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: owner.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   owner.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	})

	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", models.E(models.KindInternal, "auth.Issue", err)
	}
	return signed, nil
}

func (t *TokenIssuer) Verify(raw string) (models.Owner, error) {
	const op = "auth.Verify"

	var c claims
	_, err := jwt.ParseWithClaims(
		raw,
		&c,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err == nil && c.Subject == "" {
		err = errors.New("token has no subject")
	}
	if err != nil {
		return models.Owner{}, &models.Error{Kind: models.KindUnauthorized, Op: op, Msg: "invalid or expired token", Err: err}
	}

	return models.Owner{ID: c.Subject, Email: c.Email}, nil
}
