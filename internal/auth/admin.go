package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/annel0/kmp-host/internal/logging"
)

var ErrBadCredentials = errors.New("auth: bad credentials")

// AdminAuthenticator вход оператора в административный API.
// Учётная запись одна: имя admin и пароль из server.admin_password.
type AdminAuthenticator struct {
	gate   *PasswordGate
	tokens *TokenIssuer
	ttl    time.Duration
	logger *logging.Logger
}

// NewAdminAuthenticator пустой пароль отключает вход по паролю: остаются только
// токены, подписанные секретом server.admin_secret.
func NewAdminAuthenticator(password string, tokens *TokenIssuer) (*AdminAuthenticator, error) {
	var gate *PasswordGate
	if password != "" {
		g, err := NewPasswordGate(password)
		if err != nil {
			return nil, err
		}
		gate = g
	}
	return &AdminAuthenticator{
		gate:   gate,
		tokens: tokens,
		ttl:    12 * time.Hour,
		logger: logging.GetAPILogger(),
	}, nil
}

// Login выдаёт административный токен
func (a *AdminAuthenticator) Login(username, password string) (string, time.Time, error) {
	if a.gate == nil || !strings.EqualFold(username, "admin") || !a.gate.Allow(password) {
		a.logger.Warn("❌ Неудачный вход администратора %q", username)
		return "", time.Time{}, ErrBadCredentials
	}
	token, err := a.tokens.IssueAdmin(username, a.ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	expires := a.tokens.now().Add(a.ttl)
	a.logger.Info("🎫 Администратор %s вошёл, токен до %s", username, expires.Format("2006-01-02 15:04:05"))
	return token, expires, nil
}

// Authorize проверяет административный токен
func (a *AdminAuthenticator) Authorize(token string) (*Claims, error) {
	claims, err := a.tokens.Validate(token)
	if err != nil {
		return nil, err
	}
	if !claims.Admin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
