package updater

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession_AdvisoryShownLatch(t *testing.T) {
	sess := newSession(time.Minute)

	assert.False(t, sess.shownThisSession())
	sess.markAdvisoryShown()
	assert.True(t, sess.shownThisSession())
}

func TestSession_DismissalCooldownExpires(t *testing.T) {
	sess := newSession(10 * time.Millisecond)

	assert.False(t, sess.inCooldown())
	sess.recordDismissal()
	assert.True(t, sess.inCooldown())

	dismissedAt, ok := sess.lastDismissal()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), dismissedAt, time.Second)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, sess.inCooldown())
	_, ok = sess.lastDismissal()
	assert.False(t, ok)
}

func TestSession_FreshPerAttachment(t *testing.T) {
	first := newSession(time.Minute)
	second := newSession(time.Minute)

	assert.NotEqual(t, first.id, second.id)
	first.markAdvisoryShown()
	assert.False(t, second.shownThisSession())
}
