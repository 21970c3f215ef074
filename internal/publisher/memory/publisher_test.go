package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

func TestNotifierRecordsNotifications(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Notify(context.Background(), queue.Notification{ItemID: "a", Kind: queue.KindJob})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Notify(context.Background(), queue.Notification{ItemID: "b", Attempt: 1})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	sent := pub.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, "a", sent[0].ItemID)

	sent[0].ItemID = "modified"
	require.Equal(t, "a", pub.Sent()[0].ItemID, "Sent must return a copy")
}

func TestNotifierFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("topic gone")
	pub.FailWith(boom)
	_, err := pub.Notify(context.Background(), queue.Notification{ItemID: "a"})
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Sent())

	pub.FailWith(nil)
	_, err = pub.Notify(context.Background(), queue.Notification{ItemID: "a"})
	require.NoError(t, err)
}
