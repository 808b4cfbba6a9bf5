package storage

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"golang.org/x/xerrors"
)

// Listener consumes change notifications over a dedicated postgres
// connection. It is the wake-up path for components that would otherwise poll,
// such as the recovery queue watching for new block commits.
type Listener struct {
	pl  *pq.Listener
	out chan Notif
}

func NewListener(url, channel string) (*Listener, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	pl := pq.NewListener(url, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warnw("listener connection event", "event", ev, "error", err)
		}
	})
	if err := pl.Listen(channel); err != nil {
		_ = pl.Close()
		return nil, xerrors.Errorf("listen on %q: %w", channel, err)
	}

	l := &Listener{
		pl:  pl,
		out: make(chan Notif, 64),
	}
	go l.run()
	return l, nil
}

func (l *Listener) run() {
	defer close(l.out)
	for pn := range l.pl.Notify {
		// nil notifications signal a reconnect; anything missed in between is
		// caught by the periodic gap scan.
		if pn == nil {
			continue
		}
		var notif Notif
		if err := json.Unmarshal([]byte(pn.Extra), &notif); err != nil {
			log.Warnw("undecodable notification", "payload", pn.Extra, "error", err)
			continue
		}
		l.out <- notif
	}
}

// Notifs returns the stream of decoded notifications. The channel closes when
// the listener is closed.
func (l *Listener) Notifs() <-chan Notif {
	return l.out
}

func (l *Listener) Close() error {
	return l.pl.Close()
}
