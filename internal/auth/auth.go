// Package auth turns the rider's access token into the identity the tracker
// attaches to every payload.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/rider-tracker/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid access token")
	ErrNoRiderID    = errors.New("access token carries no rider id")
)

// Claims is the rider part of the backend's access token. Older tokens carry
// the id as _id, newer ones as user_id or sub.
type Claims struct {
	RiderID string `json:"_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) riderID() string {
	switch {
	case c.RiderID != "":
		return c.RiderID
	case c.UserID != "":
		return c.UserID
	default:
		return c.Subject
	}
}

// Decoder reads rider identity from access tokens. With a Secret the HMAC
// signature is checked; without one the token is only decoded, since the
// backend validates it again on the socket handshake.
type Decoder struct {
	Secret []byte
	Now    func() time.Time
}

func (d Decoder) Decode(raw string) (models.CachedIdentity, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return models.CachedIdentity{}, ErrInvalidToken
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	claims := &Claims{}
	var err error
	if len(d.Secret) > 0 {
		_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return d.Secret, nil
		}, jwt.WithTimeFunc(now))
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(raw, claims)
		if err == nil && claims.ExpiresAt != nil && now().After(claims.ExpiresAt.Time) {
			err = jwt.ErrTokenExpired
		}
	}
	if err != nil {
		return models.CachedIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := claims.riderID()
	if id == "" {
		return models.CachedIdentity{}, ErrNoRiderID
	}
	return models.CachedIdentity{ID: id, Name: claims.Name, Phone: claims.Phone, BackgroundAuthToken: raw}, nil
}

// Session is the live authenticated context. It is lost with the process;
// the durable copy is the storage.IdentityCache.
type Session struct {
	mu      sync.RWMutex
	current *models.CachedIdentity
}

func (s *Session) Set(id models.CachedIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &id
}

func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}

// Current returns the signed-in rider, if any.
func (s *Session) Current() (models.CachedIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.Empty() {
		return models.CachedIdentity{}, false
	}
	return *s.current, true
}

func (s *Session) IsAuthenticated() bool {
	_, ok := s.Current()
	return ok
}
