package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash of the password using DefaultCost.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckPassword compares a bcrypt hashed password with its possible plaintext equivalent.
func CheckPassword(hash string, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// PasswordGate пароль сервера. Конфигурация хранит пароль открытым текстом
// или bcrypt-хешем ("$2a$..."); в памяти держится только хеш.
type PasswordGate struct {
	hash string
}

// NewPasswordGate пустой пароль открывает вход всем
func NewPasswordGate(password string) (*PasswordGate, error) {
	if password == "" {
		return &PasswordGate{}, nil
	}
	if isBcryptHash(password) {
		return &PasswordGate{hash: password}, nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &PasswordGate{hash: hash}, nil
}

// Required нужен ли пароль для входа
func (g *PasswordGate) Required() bool { return g != nil && g.hash != "" }

// Allow проверяет пароль участника
func (g *PasswordGate) Allow(password string) bool {
	if !g.Required() {
		return true
	}
	return CheckPassword(g.hash, password)
}

func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}
