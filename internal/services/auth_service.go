package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

// DefaultSessionLifetime bounds how long a sealed session is accepted after
// login. Token refreshes re-seal the cookie but keep the login time.
const DefaultSessionLifetime = 12 * time.Hour

// sealContext binds ciphertexts to the session cookie so a value sealed
// with the same key for another purpose does not open as a session.
var sealContext = []byte("datalab-session/v1")

var (
	ErrSessionMalformed = errors.New("malformed session")
	ErrSessionExpired   = errors.New("session expired")
)

// Session is what the encrypted cookie carries for a logged-in user
type Session struct {
	User         string    `json:"user"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// AuthService seals sessions into cookie values with AES-256-GCM.
type AuthService struct {
	aead     cipher.AEAD
	lifetime time.Duration
	clock    clock.PassiveClock
}

type AuthOption func(*AuthService)

// WithSessionLifetime overrides DefaultSessionLifetime. Zero disables the
// check.
func WithSessionLifetime(d time.Duration) AuthOption {
	return func(s *AuthService) { s.lifetime = d }
}

func WithSessionClock(c clock.PassiveClock) AuthOption {
	return func(s *AuthService) { s.clock = c }
}

// NewAuthService uses key when it is exactly 32 bytes and a random key
// otherwise, in which case sessions do not survive a restart.
func NewAuthService(key string, opts ...AuthOption) *AuthService {
	k := []byte(key)
	if len(k) != 32 {
		k = make([]byte, 32)
		if _, err := rand.Read(k); err != nil {
			panic("failed to generate session key: " + err.Error())
		}
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}

	s := &AuthService{aead: aead, lifetime: DefaultSessionLifetime, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lifetime is how long a fresh session stays valid.
func (s *AuthService) Lifetime() time.Duration {
	return s.lifetime
}

// EncryptSession seals sess. A zero IssuedAt is stamped with the current
// time.
func (s *AuthService) EncryptSession(sess Session) (string, error) {
	if sess.IssuedAt.IsZero() {
		sess.IssuedAt = s.clock.Now().UTC().Truncate(time.Second)
	}
	plaintext, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, sealContext)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptSession opens a cookie value. Tampered, foreign or token-less
// values are ErrSessionMalformed; sessions past their lifetime are
// ErrSessionExpired.
func (s *AuthService) DecryptSession(value string) (*Session, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionMalformed, err)
	}
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrSessionMalformed)
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], sealContext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionMalformed, err)
	}

	var sess Session
	if err := json.Unmarshal(plaintext, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionMalformed, err)
	}
	if sess.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token", ErrSessionMalformed)
	}
	if s.lifetime > 0 && s.clock.Since(sess.IssuedAt) > s.lifetime {
		return nil, ErrSessionExpired
	}
	return &sess, nil
}
