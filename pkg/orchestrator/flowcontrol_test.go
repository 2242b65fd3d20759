package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPauseBlocksUntilResume(t *testing.T) {
	tok := NewFlowControlToken()
	tok.Pause(true)

	unblocked := make(chan struct{})
	go func() {
		tok.WaitWhilePaused()
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("WaitWhilePaused returned while still paused")
	case <-time.After(50 * time.Millisecond):
	}

	tok.Pause(false)
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("WaitWhilePaused did not return after resume")
	}
	require.Equal(t, Running, tok.State())
}

func TestAbortIsStickyAndUnblocksWaiters(t *testing.T) {
	tok := NewFlowControlToken()
	tok.Pause(true)

	unblocked := make(chan struct{})
	go func() {
		tok.WaitWhilePaused()
		close(unblocked)
	}()

	tok.Abort()
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("WaitWhilePaused did not return after abort")
	}
	require.Equal(t, Aborted, tok.State())

	tok.Pause(false)
	require.Equal(t, Aborted, tok.State(), "abort must stay sticky")
}
