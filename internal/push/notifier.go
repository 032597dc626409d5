package push

import (
	"log/slog"

	"webpost/internal/session"
)

// Notifier couples the bus with the session directory so that every push to a
// live connection is followed by a credential rotation for that connection.
type Notifier struct {
	Bus *Bus
	Dir *session.Directory
	Log *slog.Logger
}

// Channel broadcasts to all of the user's connections, then rotates the
// requesting session's credential when it has a live channel.
func (n *Notifier) Channel(s session.Session, ev Event) {
	n.Bus.Broadcast(s.UserID, ev)
	if s.ChannelID > 0 {
		n.NextKey(s)
	}
}

// PersonalChannel delivers to the requesting connection only, then rotates.
func (n *Notifier) PersonalChannel(s session.Session, ev Event) {
	n.Personal(s, ev)
	n.NextKey(s)
}

func (n *Notifier) Personal(s session.Session, ev Event) bool {
	return n.Bus.Personal(s.ChannelID, ev)
}

// NextKey mints a fresh credential and delivers it on the "user" label. The
// directory mapping is swapped only after the delivery succeeded, so an
// undelivered rotation never invalidates the old credential.
func (n *Notifier) NextKey(s session.Session) {
	key := session.NewKey(s.UserID)
	if n.Personal(s, Event{Label: LabelUserKey, Data: key}) {
		n.Dir.Exchange(s.Current, key, session.Session{UserID: s.UserID, ChannelID: s.ChannelID})
	} else {
		n.Log.Warn("key not delivered", "channel", s.ChannelID)
	}
}
