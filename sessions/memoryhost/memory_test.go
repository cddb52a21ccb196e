package memoryhost

import (
	"testing"

	"github.com/ggoodman/plexusd/sessions"
	"github.com/ggoodman/plexusd/sessions/sessionhosttest"
)

func TestMemorySessionHost(t *testing.T) {
	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.SessionHost {
		return New()
	})
}
