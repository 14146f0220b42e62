package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan StreamMessage) []StreamMessage {
	t.Helper()
	var msgs []StreamMessage
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestScriptedDefaultEchoes(t *testing.T) {
	p := NewScripted("scripted", nil)
	ch, err := p.StartTurn(context.Background(), Turn{Prompt: "open notes"})
	require.NoError(t, err)

	msgs := collect(t, ch)
	require.Len(t, msgs, 3)
	assert.Equal(t, KindThinking, msgs[0].Kind)
	assert.Equal(t, KindText, msgs[1].Kind)
	assert.Contains(t, msgs[1].Text, "open notes")
	assert.Equal(t, KindComplete, msgs[2].Kind)
	assert.NotEmpty(t, msgs[2].ThreadID)
}

func TestScriptedThreadContinuity(t *testing.T) {
	p := NewScripted("scripted", nil)

	msgs := collect(t, mustStart(t, p, Turn{Prompt: "first"}))
	threadID := msgs[len(msgs)-1].ThreadID

	collect(t, mustStart(t, p, Turn{ThreadID: threadID, Prompt: "second"}))
	assert.Equal(t, []string{"first", "second"}, p.ThreadHistory(threadID))
}

func TestScriptedForkCopiesHistory(t *testing.T) {
	p := NewScripted("scripted", nil)

	msgs := collect(t, mustStart(t, p, Turn{Prompt: "base"}))
	source := msgs[len(msgs)-1].ThreadID

	msgs = collect(t, mustStart(t, p, Turn{ForkFromThread: source, Prompt: "forked"}))
	forked := msgs[len(msgs)-1].ThreadID

	assert.NotEqual(t, source, forked)
	assert.Equal(t, []string{"base", "forked"}, p.ThreadHistory(forked))
	assert.Equal(t, []string{"base"}, p.ThreadHistory(source))
}

func TestScriptedBusyThreadRejectsSecondTurn(t *testing.T) {
	block := make(chan struct{})
	p := NewScripted("scripted", func(turn Turn) []StreamMessage {
		<-block
		return nil
	})

	ch := mustStart(t, p, Turn{ThreadID: "t1", Prompt: "slow"})
	_, err := p.StartTurn(context.Background(), Turn{ThreadID: "t1", Prompt: "eager"})
	assert.ErrorIs(t, err, ErrTurnInProgress)

	close(block)
	collect(t, ch)

	// The thread is reusable once the turn finished.
	collect(t, mustStart(t, p, Turn{ThreadID: "t1", Prompt: "again"}))
}

func TestScriptedCancelTerminatesStream(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	p := NewScripted("scripted", func(turn Turn) []StreamMessage {
		close(started)
		<-block
		return []StreamMessage{{Kind: KindText, Text: "never delivered"}}
	})
	defer close(block)

	ch := mustStart(t, p, Turn{ThreadID: "t1", Prompt: "slow"})
	<-started
	require.NoError(t, p.Cancel(context.Background(), "t1"))

	done := make(chan struct{})
	go func() {
		collect(t, ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not terminate the stream")
	}
}

func TestScriptedDisposeRejectsNewTurns(t *testing.T) {
	p := NewScripted("scripted", nil)
	require.NoError(t, p.Dispose(context.Background()))

	_, err := p.StartTurn(context.Background(), Turn{Prompt: "late"})
	assert.ErrorIs(t, err, ErrProviderClosed)
}

func mustStart(t *testing.T, p Provider, turn Turn) <-chan StreamMessage {
	t.Helper()
	ch, err := p.StartTurn(context.Background(), turn)
	require.NoError(t, err)
	return ch
}
