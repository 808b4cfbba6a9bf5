package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paritytech/substrate-archive/storage"
)

func TestNotifierFanOut(t *testing.T) {
	n := storage.NewNotifier(nil, "")

	a := n.Subscribe(4)
	b := n.Subscribe(4)

	sent := storage.Notif{Table: "blocks", Action: storage.ActionInsert, Key: "42"}
	n.Notify(context.Background(), sent)

	got := <-a
	assert.Equal(t, sent, got)
	got = <-b
	assert.Equal(t, sent, got)
}

func TestNotifierDropsForSlowSubscriber(t *testing.T) {
	n := storage.NewNotifier(nil, "")

	slow := n.Subscribe(1)

	// The second message must be dropped, not block the committer.
	n.Notify(context.Background(), storage.Notif{Table: "blocks", Action: storage.ActionInsert, Key: "1"})
	n.Notify(context.Background(), storage.Notif{Table: "blocks", Action: storage.ActionInsert, Key: "2"})

	got := <-slow
	assert.Equal(t, "1", got.Key)

	select {
	case extra := <-slow:
		t.Fatalf("expected dropped notification, received %+v", extra)
	default:
	}
}

func TestNotifierSubscribeAfterNotify(t *testing.T) {
	n := storage.NewNotifier(nil, "")
	n.Notify(context.Background(), storage.Notif{Table: "storage", Action: storage.ActionInsert, Key: "7"})

	late := n.Subscribe(1)
	n.Notify(context.Background(), storage.Notif{Table: "storage", Action: storage.ActionInsert, Key: "8"})

	got := <-late
	require.Equal(t, "8", got.Key)
}
