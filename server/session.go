package server

import (
	"crypto/rand"
	"encoding/hex"
	"image"
	"net/http"
	"sync"
	"time"
)

const sessionCookieName = "skylens_session"

// UserSession holds the interactive state of one browser session. The only
// mutable slot is the most recently generated mask, overwritten on each
// Generate Mask action and dropped when the session expires.
type UserSession struct {
	mu         sync.Mutex
	id         string
	mask       *image.Gray
	maskSource string
	lastSeen   time.Time
}

// SetMask overwrites the session's mask slot.
func (s *UserSession) SetMask(mask *image.Gray, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mask = mask
	s.maskSource = source
}

// Mask returns the current mask and the name of the image it was generated
// from, or nil if no mask has been generated in this session.
func (s *UserSession) Mask() (*image.Gray, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask, s.maskSource
}

// SessionStore is an in-memory, cookie-keyed store of user sessions. Sessions
// are pruned after the configured idle TTL; nothing is persisted across
// restarts.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*UserSession
	ttl      time.Duration
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: map[string]*UserSession{},
		ttl:      ttl,
	}
}

// Session returns the session for the request, creating one (and setting the
// cookie on the response) if needed.
func (st *SessionStore) Session(w http.ResponseWriter, r *http.Request) *UserSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pruneLocked()

	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if session, ok := st.sessions[cookie.Value]; ok {
			session.lastSeen = time.Now()
			return session
		}
	}

	session := &UserSession{
		id:       newSessionID(),
		lastSeen: time.Now(),
	}
	st.sessions[session.id] = session
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return session
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pruneLocked()
	return len(st.sessions)
}

func (st *SessionStore) pruneLocked() {
	cutoff := time.Now().Add(-st.ttl)
	for id, session := range st.sessions {
		if session.lastSeen.Before(cutoff) {
			delete(st.sessions, id)
		}
	}
}

func newSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
