// Package identity holds the IdentityProvider implementations.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/Collab/internal/domain"
)

type Claims struct {
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role,omitempty"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

const accessTokenType = "access"

// JWTVerifier accepts HS256 access tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(ctx context.Context, credential string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, domain.ErrInvalidCredential
	}
	if claims.Type != "" && claims.Type != accessTokenType {
		return nil, fmt.Errorf("%w: %s token", domain.ErrInvalidCredential, claims.Type)
	}
	return claims.user()
}

func (c *Claims) user() (*domain.User, error) {
	role, err := domain.ParseRole(c.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	name := c.Name
	if name == "" {
		name = c.Subject
	}
	u, err := domain.NewUser(domain.UserID(c.Subject), name, role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCredential, err)
	}
	u.Email = c.Email
	u.Avatar = c.Avatar
	return u, nil
}

// SignAccessToken issues a token this verifier accepts. Used by tooling and tests.
func (v *JWTVerifier) SignAccessToken(u domain.User, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := &Claims{
		Name:   u.Username,
		Email:  u.Email,
		Avatar: u.Avatar,
		Role:   string(u.Role),
		Type:   accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(u.ID),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}
