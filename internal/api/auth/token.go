package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrWrongTokenType = errors.New("wrong token type")
)

type customClaims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type"`
}

// TokenIssuer 签发与校验 HS256 的 access / refresh token。
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// IssuePair 为用户签发一对 token。
func (t *TokenIssuer) IssuePair(userID uint) (access string, refresh string, err error) {
	access, err = t.sign(userID, tokenTypeAccess, t.accessTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err = t.sign(userID, tokenTypeRefresh, t.refreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// Refresh 校验 refresh token 并签发新的 access token。
func (t *TokenIssuer) Refresh(refresh string) (string, error) {
	userID, err := t.verify(refresh, tokenTypeRefresh)
	if err != nil {
		return "", err
	}
	return t.sign(userID, tokenTypeAccess, t.accessTTL)
}

// VerifyAccess 校验 access token 并返回用户 ID。
func (t *TokenIssuer) VerifyAccess(token string) (uint, error) {
	return t.verify(token, tokenTypeAccess)
}

func (t *TokenIssuer) sign(userID uint, tokenType string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TokenType: tokenType,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (t *TokenIssuer) verify(tokenStr string, wantType string) (uint, error) {
	claims := &customClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}
	if claims.TokenType != wantType {
		return 0, ErrWrongTokenType
	}
	uid, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || uid == 0 {
		return 0, ErrInvalidToken
	}
	return uint(uid), nil
}
