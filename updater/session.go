package updater

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/xid"
)

const dismissalKey = "advisory-dismissal"

// session tracks advisory-prompt bookkeeping for one attachment span.
// It lives in memory only: one prompt per app launch is the intended
// semantics, so nothing here survives a process restart.
type session struct {
	id        string
	startedAt time.Time

	mu            sync.Mutex
	advisoryShown bool
	dismissals    *gocache.Cache
}

// newSession opens a session with the given dismissal cooldown. The cooldown
// is enforced by letting the dismissal entry expire out of the cache.
func newSession(cooldown time.Duration) *session {
	return &session{
		id:         xid.New().String(),
		startedAt:  time.Now(),
		dismissals: gocache.New(cooldown, time.Minute),
	}
}

func (s *session) markAdvisoryShown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advisoryShown = true
}

func (s *session) shownThisSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advisoryShown
}

func (s *session) recordDismissal() {
	s.dismissals.SetDefault(dismissalKey, time.Now())
}

// inCooldown reports whether a dismissal happened within the cooldown window.
func (s *session) inCooldown() bool {
	_, found := s.dismissals.Get(dismissalKey)
	return found
}

// lastDismissal returns the time of the most recent dismissal still inside
// the cooldown window.
func (s *session) lastDismissal() (time.Time, bool) {
	v, found := s.dismissals.Get(dismissalKey)
	if !found {
		return time.Time{}, false
	}
	return v.(time.Time), true
}
