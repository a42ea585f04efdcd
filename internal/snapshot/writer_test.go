package snapshot

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basis_arb/pkg/logging"
)

func TestWriterOfferCoalesces(t *testing.T) {
	w := NewWriter(newTestManager(t, "json"), logging.NewNopLogger())

	w.Offer(sampleState("first"))
	w.Offer(sampleState("second"))
	w.Offer(sampleState("third"))

	got := <-w.pending
	assert.Equal(t, "third", got.Note)
	select {
	case extra := <-w.pending:
		t.Fatalf("unexpected extra pending state %q", extra.Note)
	default:
	}
}

func TestWriterPersistsOfferedState(t *testing.T) {
	m := newTestManager(t, "json")
	w := NewWriter(m, logging.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Offer(sampleState("written"))

	assert.Eventually(t, func() bool {
		return len(snapshotFiles(t, m.Dir())) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	got, err := m.Restore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "written", got.Note)
}

func TestWriterHealthTracksLastWrite(t *testing.T) {
	m := newTestManager(t, "json")
	w := NewWriter(m, logging.NewNopLogger())

	// Never written: healthy.
	require.NoError(t, w.CheckHealth())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Offer(sampleState("good"))
	assert.Eventually(t, func() bool {
		return len(snapshotFiles(t, m.Dir())) == 1 && w.CheckHealth() == nil
	}, 2*time.Second, 10*time.Millisecond)

	// Break the storage path so the next write fails.
	require.NoError(t, os.RemoveAll(m.Dir()))
	require.NoError(t, os.WriteFile(m.Dir(), []byte("not a dir"), 0o644))

	w.Offer(sampleState("doomed"))
	assert.Eventually(t, func() bool {
		return w.CheckHealth() != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWriterFlushesPendingOnShutdown(t *testing.T) {
	m := newTestManager(t, "json")
	w := NewWriter(m, logging.NewNopLogger())

	// Offer before Run ever drains, then cancel immediately: the final flush
	// must still land on disk.
	w.Offer(sampleState("last words"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	got, err := m.Restore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "last words", got.Note)
}
