package tracker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackFirstConversationHasNoDivider(t *testing.T) {
	t.Parallel()

	tr := New()
	d := tr.ObserveTurn("", 2)

	assert.True(t, d.New)
	assert.False(t, d.NeedsDivider())
	assert.Equal(t, 0, d.From)
	assert.Equal(t, 2, d.To)
	assert.Equal(t, State{PreviousMessageCount: 2}, tr.State(""))
}

func TestCallbackGrowthContinuesConversation(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.ObserveTurn("", 2)
	tr.ObserveReply("")

	d := tr.ObserveTurn("", 4)
	assert.False(t, d.New)
	assert.Equal(t, 3, d.From)
	assert.Equal(t, 4, d.To)
	assert.Equal(t, 1, d.Len())

	// no reply was observed, so 6 is a jump rather than growth
	d = tr.ObserveTurn("", 6)
	assert.True(t, d.New)
	assert.Equal(t, 1, d.Step)
	assert.Equal(t, 6, d.Len())
}

func TestCallbackReplyThenNextTurn(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.ObserveTurn("", 1)
	tr.ObserveReply("")
	tr.ObserveReply("")

	// user, assistant, tool result -> next turn adds one message
	d := tr.ObserveTurn("", 4)
	assert.False(t, d.New)
	assert.Equal(t, 3, d.From)
	assert.Equal(t, State{PreviousMessageCount: 4}, tr.State(""))
}

func TestCallbackNewConversationAfterThreeMessages(t *testing.T) {
	t.Parallel()

	tr := New()
	a := tr.ObserveTurn("", 3)
	require.True(t, a.New)
	require.False(t, a.NeedsDivider())
	tr.ObserveReply("")

	b := tr.ObserveTurn("", 1)
	assert.True(t, b.New)
	assert.True(t, b.NeedsDivider())
	assert.Equal(t, 1, b.Step)
	assert.Equal(t, "Step 1", b.Label)
	assert.Equal(t, 0, b.From)
	assert.Equal(t, 1, b.To)
	assert.Equal(t, 1, tr.Step())
}

func TestTransportCumulativeRequests(t *testing.T) {
	t.Parallel()

	tr := New()

	d := tr.ObserveRequest("", 2)
	assert.True(t, d.New)
	assert.False(t, d.NeedsDivider())
	assert.Equal(t, [2]int{0, 2}, [2]int{d.From, d.To})

	d = tr.ObserveRequest("", 3)
	assert.False(t, d.New)
	assert.Equal(t, [2]int{2, 3}, [2]int{d.From, d.To})

	d = tr.ObserveRequest("", 4)
	assert.False(t, d.New)
	assert.Equal(t, [2]int{3, 4}, [2]int{d.From, d.To})

	d = tr.ObserveRequest("", 1)
	assert.True(t, d.New)
	assert.True(t, d.NeedsDivider())
	assert.Equal(t, "Step 1", d.Label)
	assert.Equal(t, [2]int{0, 1}, [2]int{d.From, d.To})
	assert.Equal(t, State{PreviousMessageCount: 1, ProcessedMessageCount: 1}, tr.State(""))
}

func TestTransportReplyIsNotRenderedTwice(t *testing.T) {
	t.Parallel()

	tr := New()

	// system + user, then the reply
	d := tr.ObserveRequest("", 2)
	assert.Equal(t, 2, d.Len())
	tr.CommitReply("")

	// history now carries the reply and a new user message
	d = tr.ObserveRequest("", 4)
	assert.False(t, d.New)
	assert.Equal(t, 3, d.From)
	assert.Equal(t, 4, d.To)
	tr.CommitReply("")

	assert.Equal(t, State{PreviousMessageCount: 4, ProcessedMessageCount: 5}, tr.State(""))
}

func TestTransportRetryOfSameRequestStartsNewConversation(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.ObserveRequest("", 2)
	tr.CommitReply("")

	d := tr.ObserveRequest("", 2)
	assert.True(t, d.New)
	assert.Equal(t, 1, d.Step)
	assert.Equal(t, 2, d.Len())
}

func TestStepIsMonotonicAcrossConversations(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.ObserveRequest("", 3)
	for want := 1; want <= 3; want++ {
		d := tr.ObserveRequest("", 1)
		assert.Equal(t, want, d.Step)
	}
	assert.Equal(t, 3, tr.Step())
}

func TestKeysAreIsolated(t *testing.T) {
	t.Parallel()

	tr := New()
	a := tr.ObserveRequest("alice", 2)
	b := tr.ObserveRequest("bob", 2)

	assert.False(t, a.NeedsDivider())
	assert.True(t, b.New)
	assert.Equal(t, "Step 1 · bob", b.Label)

	a = tr.ObserveRequest("alice", 3)
	assert.False(t, a.New)
	assert.Equal(t, 2, a.From)

	assert.Equal(t, State{PreviousMessageCount: 3, ProcessedMessageCount: 3}, tr.State("alice"))
	assert.Equal(t, State{PreviousMessageCount: 2, ProcessedMessageCount: 2}, tr.State("bob"))
}

func TestRestoreUndoesTurn(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.ObserveTurn("", 2)
	tr.ObserveReply("")

	c := tr.Checkpoint("")
	first := tr.ObserveTurn("", 4)
	tr.Restore(c)
	retry := tr.ObserveTurn("", 4)

	assert.Equal(t, first, retry)
	assert.False(t, retry.New)
	assert.Equal(t, 3, retry.From)
	assert.Equal(t, 0, tr.Step())
}

func TestRestoreUndoesDivider(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.ObserveRequest("", 3)

	c := tr.Checkpoint("bob")
	first := tr.ObserveRequest("bob", 1)
	require.Equal(t, 1, first.Step)
	tr.Restore(c)

	assert.Equal(t, 0, tr.Step())
	assert.Equal(t, State{}, tr.State("bob"))

	retry := tr.ObserveRequest("bob", 1)
	assert.Equal(t, first, retry)
	assert.Equal(t, State{PreviousMessageCount: 3, ProcessedMessageCount: 3}, tr.State(""))
}

func TestLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Step 3", Label(3, ""))
	assert.Equal(t, "Step 3 · abc", Label(3, "abc"))
}

func TestConcurrentObservations(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.ObserveRequest("", 1)

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			tr.ObserveRequest("", 1)
		})
	}
	wg.Wait()

	assert.Equal(t, 50, tr.Step())
}
