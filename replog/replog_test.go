package replog

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/csales1987/exonum-btc-anchoring/anchoring"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, c *Client) *Entry {
	t.Helper()

	select {
	case item := <-c.Entries():
		entry, ok := item.(*Entry)
		require.True(t, ok)

		return entry

	case <-time.After(5 * time.Second):
		t.Fatal("no entry received")
		return nil
	}
}

// TestOrderedFanOut checks that all clients see the same sequence and that
// late subscribers are replayed the history first.
func TestOrderedFanOut(t *testing.T) {
	t.Parallel()

	l := New()
	require.NoError(t, l.Start())
	t.Cleanup(func() { require.NoError(t, l.Stop()) })

	early, err := l.Subscribe(0)
	require.NoError(t, err)

	for height := uint64(1); height <= 3; height++ {
		seq, err := l.Submit(&anchoring.CheckpointMsg{
			Height:    height,
			StateHash: chainhash.Hash{byte(height)},
		})
		require.NoError(t, err)
		require.Equal(t, height, seq)
	}

	late, err := l.Subscribe(1)
	require.NoError(t, err)

	for _, c := range []*Client{early, late} {
		first := uint64(1)
		if c == late {
			first = 2
		}
		for seq := first; seq <= 3; seq++ {
			entry := receive(t, c)
			require.Equal(t, seq, entry.Seq)

			msg, err := entry.Message()
			require.NoError(t, err)
			require.Equal(t, seq, msg.(*anchoring.CheckpointMsg).Height)
		}
	}

	late.Cancel()
	select {
	case <-late.Quit():
	case <-time.After(5 * time.Second):
		t.Fatal("client not closed")
	}

	_, err = l.Submit(&anchoring.CheckpointMsg{Height: 4})
	require.NoError(t, err)
	require.Equal(t, uint64(4), receive(t, early).Seq)
}

// TestStopped checks calls after Stop.
func TestStopped(t *testing.T) {
	t.Parallel()

	l := New()
	require.NoError(t, l.Start())

	c, err := l.Subscribe(0)
	require.NoError(t, err)
	require.NoError(t, l.Stop())

	<-c.Quit()

	_, err = l.Submit(&anchoring.CheckpointMsg{Height: 1})
	require.ErrorIs(t, err, ErrLogShuttingDown)

	_, err = l.Subscribe(0)
	require.ErrorIs(t, err, ErrLogShuttingDown)
}

// TestResumeAfter checks that a log created after a restart continues the
// sequence numbering.
func TestResumeAfter(t *testing.T) {
	t.Parallel()

	l := NewAfter(41)
	require.NoError(t, l.Start())
	t.Cleanup(func() { require.NoError(t, l.Stop()) })

	seq, err := l.Submit(&anchoring.CheckpointMsg{Height: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(42), seq)

	_, err = l.Submit(&anchoring.CheckpointMsg{Height: 2})
	require.NoError(t, err)

	// Subscribing from before the base replays what this process has.
	c, err := l.Subscribe(0)
	require.NoError(t, err)
	require.Equal(t, uint64(42), receive(t, c).Seq)
	require.Equal(t, uint64(43), receive(t, c).Seq)

	c2, err := l.Subscribe(42)
	require.NoError(t, err)
	require.Equal(t, uint64(43), receive(t, c2).Seq)
}
