package msgstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/executor/logs"
)

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	s := NewStore(nil)

	p1, err := s.Append("sess", logs.Insert(0, &logs.NormalizedEntry{Kind: logs.KindThought, Content: "a"}))
	require.NoError(t, err)
	p2, err := s.Append("sess", logs.Insert(1, &logs.NormalizedEntry{Kind: logs.KindThought, Content: "b"}))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), p1.Seq)
	assert.Equal(t, uint64(2), p2.Seq)
}

func TestAppendConcurrentSeqUnique(t *testing.T) {
	s := NewStore(nil)
	const n = 64

	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Append("sess", logs.Insert(0, &logs.NormalizedEntry{Kind: logs.KindRaw}))
			require.NoError(t, err)
			seqs <- p.Seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool, n)
	for seq := range seqs {
		assert.False(t, seen[seq], "seq %d assigned twice", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, n)
}

func TestAppendAfterExitFails(t *testing.T) {
	s := NewStore(nil)

	_, err := s.Append("sess", logs.Exit(logs.ExitStatus{Code: 0}))
	require.NoError(t, err)

	_, err = s.Append("sess", logs.Insert(0, &logs.NormalizedEntry{Kind: logs.KindRaw}))
	assert.ErrorIs(t, err, ErrSessionFinished)
	assert.True(t, s.Finished("sess"))
}

func TestUpdateWithoutInsertRejected(t *testing.T) {
	s := NewStore(nil)

	_, err := s.Append("sess", logs.Update(0, &logs.NormalizedEntry{Content: "x"}))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = s.Append("sess", logs.Finalize(3))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = s.Append("sess", logs.Insert(0, &logs.NormalizedEntry{Kind: logs.KindRaw}))
	require.NoError(t, err)
	_, err = s.Append("sess", logs.Update(0, &logs.NormalizedEntry{Content: "x"}))
	assert.NoError(t, err)
	// A rejected append consumes no sequence number.
	history, err := s.History("sess")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[0].Seq)
	assert.Equal(t, uint64(2), history[1].Seq)
}

func TestSubscribeFromOffset(t *testing.T) {
	s := NewStore(nil)

	for i := 0; i < 5; i++ {
		_, err := s.Append("sess", logs.Insert(i, &logs.NormalizedEntry{Kind: logs.KindRaw}))
		require.NoError(t, err)
	}
	_, err := s.Append("sess", logs.Exit(logs.ExitStatus{Code: 0}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := make(chan logs.Patch, 8)
	require.NoError(t, s.Subscribe(ctx, "sess", 3, ch))

	var got []logs.Patch
	for p := range ch {
		got = append(got, p)
	}
	require.Len(t, got, 3)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, logs.OpExit, got[2].Op)
}

func TestSubscribeBadOffset(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Append("sess", logs.Insert(0, &logs.NormalizedEntry{Kind: logs.KindRaw}))
	require.NoError(t, err)

	ch := make(chan logs.Patch, 1)
	err = s.Subscribe(context.Background(), "sess", 42, ch)
	assert.ErrorIs(t, err, ErrBadOffset)
}

func TestHistoryUnknownSession(t *testing.T) {
	s := NewStore(nil)
	_, err := s.History("missing")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSubscribeReplaysThenStreams(t *testing.T) {
	s := NewStore(nil)

	_, err := s.Append("sess", logs.Insert(0, &logs.NormalizedEntry{Kind: logs.KindThought, Content: "before"}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := make(chan logs.Patch)
	done := make(chan error, 1)
	go func() { done <- s.Subscribe(ctx, "sess", 0, ch) }()

	first := <-ch
	assert.Equal(t, "before", first.Entry.Content)

	_, err = s.Append("sess", logs.Insert(1, &logs.NormalizedEntry{Kind: logs.KindThought, Content: "after"}))
	require.NoError(t, err)
	second := <-ch
	assert.Equal(t, "after", second.Entry.Content)

	_, err = s.Append("sess", logs.Exit(logs.ExitStatus{Code: 0}))
	require.NoError(t, err)
	exit := <-ch
	assert.Equal(t, logs.OpExit, exit.Op)

	_, open := <-ch
	assert.False(t, open, "stream should close after terminal patch")
	require.NoError(t, <-done)
}

func TestSubscribeSlowConsumerLosesNothing(t *testing.T) {
	s := NewStore(nil)
	const n = 200

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := make(chan logs.Patch) // unbuffered: every send blocks on the reader
	done := make(chan error, 1)
	go func() { done <- s.Subscribe(ctx, "sess", 0, ch) }()

	for i := 0; i < n; i++ {
		_, err := s.Append("sess", logs.Insert(i, &logs.NormalizedEntry{Kind: logs.KindRaw, Content: "x"}))
		require.NoError(t, err)
	}
	_, err := s.Append("sess", logs.Exit(logs.ExitStatus{Code: 0}))
	require.NoError(t, err)

	var got []logs.Patch
	for p := range ch {
		got = append(got, p)
		time.Sleep(time.Millisecond) // slow reader
	}
	require.NoError(t, <-done)

	require.Len(t, got, n+1)
	for i, p := range got {
		assert.Equal(t, uint64(i+1), p.Seq, "patch %d out of order", i)
	}
}

func TestSubscribeCancelled(t *testing.T) {
	s := NewStore(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan logs.Patch)
	done := make(chan error, 1)
	go func() { done <- s.Subscribe(ctx, "sess", 0, ch) }()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestEntriesReplay(t *testing.T) {
	s := NewStore(nil)

	_, err := s.Append("sess", logs.Insert(0, &logs.NormalizedEntry{Kind: logs.KindCommandRun, Content: "ls", CorrelationID: "t1"}))
	require.NoError(t, err)
	_, err = s.Append("sess", logs.Update(0, &logs.NormalizedEntry{Content: "ls -la", Revision: 1}))
	require.NoError(t, err)
	_, err = s.Append("sess", logs.Insert(1, &logs.NormalizedEntry{Kind: logs.KindCommandOutput, Content: "total 0"}))
	require.NoError(t, err)

	entries, err := s.Entries("sess")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ls -la", entries[0].Content)
	assert.Equal(t, logs.KindCommandRun, entries[0].Kind)
	assert.Equal(t, 1, entries[0].Revision)
	assert.Equal(t, "total 0", entries[1].Content)
}

func TestDrop(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Append("sess", logs.Insert(0, &logs.NormalizedEntry{Kind: logs.KindRaw}))
	require.NoError(t, err)

	s.Drop("sess")
	_, err = s.History("sess")
	assert.ErrorIs(t, err, ErrNoSession)
}
