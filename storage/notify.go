package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// DefaultChannel is the postgres notification channel commits are announced
// on.
const DefaultChannel = "archive_update"

const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// Notif is the message published after a commit touches a table. Key
// identifies the affected rows, by height for chain data tables and by task id
// for the queue.
type Notif struct {
	Table  string `json:"table"`
	Action string `json:"action"`
	Key    string `json:"key"`
}

// Notifier publishes post-commit change notifications on a pg_notify channel
// and to in-process subscribers. Delivery is best-effort: a failed publish is
// logged and dropped, never allowed to fail or roll back the commit it
// describes.
type Notifier struct {
	db      *Database
	channel string

	mu   sync.Mutex
	subs []chan Notif
}

func NewNotifier(db *Database, channel string) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{db: db, channel: channel}
}

// Subscribe registers an in-process listener. Messages to a full subscriber
// channel are dropped rather than blocking the commit path.
func (n *Notifier) Subscribe(buf int) <-chan Notif {
	ch := make(chan Notif, buf)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

// Notify fans the message out. Safe to call from the commit loop: it never
// returns an error and never blocks on a slow consumer.
func (n *Notifier) Notify(ctx context.Context, notif Notif) {
	payload, err := json.Marshal(notif)
	if err != nil {
		log.Errorw("marshal notification", "table", notif.Table, "error", err)
		return
	}

	if n.db != nil {
		if _, err := n.db.DB.ExecContext(ctx, `SELECT pg_notify(?, ?)`, n.channel, string(payload)); err != nil {
			log.Warnw("publish notification", "channel", n.channel, "table", notif.Table, "error", err)
		}
	}

	n.mu.Lock()
	subs := n.subs
	n.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub <- notif:
		default:
			log.Debugw("dropping notification for slow subscriber", "table", notif.Table, "key", notif.Key)
		}
	}
}
