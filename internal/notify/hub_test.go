package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func note(sub, owner, state string) Notification {
	return Notification{SubmissionID: sub, OwnerID: owner, State: state, At: time.Now().UTC()}
}

func TestSubscribeBySubmissionAndOwner(t *testing.T) {
	hub := NewHub(4)
	bySub := hub.Subscribe("c1", Target{SubmissionID: "s1"})
	byOwner := hub.Subscribe("c2", Target{OwnerID: "u1"})
	other := hub.Subscribe("c3", Target{SubmissionID: "s2"})

	hub.Publish(note("s1", "u1", "uploaded"))

	require.Len(t, bySub, 1)
	require.Len(t, byOwner, 1)
	assert.Len(t, other, 0)

	n := <-bySub
	assert.Equal(t, "uploaded", n.State)
	n = <-byOwner
	assert.Equal(t, "s1", n.SubmissionID)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	hub := NewHub(1)
	slow := hub.Subscribe("slow", Target{SubmissionID: "s1"})
	fast := hub.Subscribe("fast", Target{SubmissionID: "s1"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The slow subscriber never reads; publishing must not block.
		for i := 0; i < 50; i++ {
			hub.Publish(note("s1", "u1", "extracting"))
			<-fast
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, slow, 1, "slow subscriber holds at most its queue size")
}

func TestOverflowDropsOldestAndFlagsResync(t *testing.T) {
	hub := NewHub(2)
	ch := hub.Subscribe("c1", Target{SubmissionID: "s1"})

	hub.Publish(note("s1", "u1", "uploaded"))
	hub.Publish(note("s1", "u1", "extracting"))
	hub.Publish(note("s1", "u1", "extracted"))
	hub.Publish(note("s1", "u1", "reported"))

	var got []Notification
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	require.Len(t, got, 2)
	assert.NotEqual(t, "uploaded", got[0].State, "oldest entry was dropped")
	last := got[len(got)-1]
	assert.Equal(t, "reported", last.State, "newest state is always delivered")
	assert.True(t, last.Resync, "overflow flags the subscriber to re-fetch")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(4)
	ch := hub.Subscribe("c1", Target{SubmissionID: "s1"})
	hub.Unsubscribe("c1")

	_, open := <-ch
	assert.False(t, open)

	// Publishing after removal must not panic or deliver.
	hub.Publish(note("s1", "u1", "uploaded"))
}

func TestOwnerAndSubmissionSubscriberGetsOneCopy(t *testing.T) {
	hub := NewHub(4)
	ch := hub.Subscribe("c1", Target{SubmissionID: "s1", OwnerID: "u1"})

	hub.Publish(note("s1", "u1", "uploaded"))
	assert.Len(t, ch, 1)
}
