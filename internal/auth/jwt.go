package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "kmp-host"

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrWrongSession = errors.New("auth: token issued for another session")
)

// Claims токена. Токен переподключения несёт ParticipantID,
// административный токен только Admin.
type Claims struct {
	ParticipantID string `json:"pid,omitempty"`
	Name          string `json:"name"`
	SessionID     string `json:"sid,omitempty"`
	Admin         bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer выдаёт и проверяет HS256 токены хоста
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer создаёт издателя. secret в base64; пустой — случайный на процесс
// (токены переподключения не переживут перезапуск).
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	ti := &TokenIssuer{now: time.Now}
	if secret == "" {
		ti.secret = make([]byte, 32)
		if _, err := rand.Read(ti.secret); err != nil {
			return nil, fmt.Errorf("не удалось сгенерировать секрет: %w", err)
		}
		return ti, nil
	}
	if err := ti.SetSecret(secret); err != nil {
		return nil, err
	}
	return ti, nil
}

// SetSecret задаёт секрет из base64
func (ti *TokenIssuer) SetSecret(secret string) error {
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return err
	}
	if len(decoded) < 32 {
		return errors.New("secret key must be at least 32 bytes")
	}
	ti.secret = decoded
	return nil
}

// IssueReconnect токен переподключения участника к сессии
func (ti *TokenIssuer) IssueReconnect(participantID, name, sessionID string, ttl time.Duration) (string, error) {
	return ti.sign(&Claims{ParticipantID: participantID, Name: name, SessionID: sessionID}, participantID, ttl)
}

// IssueAdmin токен административного API
func (ti *TokenIssuer) IssueAdmin(name string, ttl time.Duration) (string, error) {
	return ti.sign(&Claims{Name: name, Admin: true}, name, ttl)
}

func (ti *TokenIssuer) sign(claims *Claims, subject string, ttl time.Duration) (string, error) {
	now := ti.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    tokenIssuer,
		Subject:   subject,
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("ошибка подписи JWT токена: %w", err)
	}
	return signed, nil
}

// Validate проверяет подпись, срок и издателя
func (ti *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("неожиданный алгоритм подписи: %v", token.Header["alg"])
		}
		return ti.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(ti.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// ValidateReconnect проверяет токен переподключения для сессии
func (ti *TokenIssuer) ValidateReconnect(tokenString, sessionID string) (*Claims, error) {
	claims, err := ti.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.ParticipantID == "" {
		return nil, ErrInvalidToken
	}
	if sessionID != "" && claims.SessionID != sessionID {
		return nil, ErrWrongSession
	}
	return claims, nil
}

// GenerateSecureSecret новый случайный секрет в base64 (для token_secret)
func GenerateSecureSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(b)
}
