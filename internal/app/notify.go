package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "newsdigest/pkg/logx"
)

// sdNotify sends a state line to the service manager. It is a no-op when the
// process was not started by systemd with Type=notify.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}
