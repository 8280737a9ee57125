package notify

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestBridgeRelaysTransitions(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	hub := NewHub(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = RunBridge(ctx, client, "transitions", hub)
	}()

	ch := hub.Subscribe("c1", Target{SubmissionID: "s1"})

	pub := NewPublisher(client, "transitions")
	// The bridge subscription is established asynchronously; retry until the
	// notification arrives.
	deadline := time.After(2 * time.Second)
	for {
		pub.Notify(ctx, Notification{SubmissionID: "s1", OwnerID: "u1", State: "uploaded", At: time.Now().UTC()})
		select {
		case n := <-ch:
			require.Equal(t, "uploaded", n.State)
			require.Equal(t, "s1", n.SubmissionID)
			return
		case <-deadline:
			t.Fatal("notification never crossed the bridge")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
