package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/events"
	"github.com/mirageos/mirage/internal/events/bus"
	"github.com/mirageos/mirage/internal/provider"
	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

type fakeHooks struct {
	mu        sync.Mutex
	events    []*v1.ServerEvent
	applied   []v1.OSAction
	assistant []string
	threads   map[string]string
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{threads: make(map[string]string)}
}

func (h *fakeHooks) Broadcast(e *v1.ServerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *fakeHooks) ApplyAction(action v1.OSAction, monitorID, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied = append(h.applied, action)
}

func (h *fakeHooks) AppendAssistant(content string, source v1.Source) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.assistant = append(h.assistant, content)
}

func (h *fakeHooks) SaveThread(ctx context.Context, canonicalID, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threads[canonicalID] = threadID
}

func (h *fakeHooks) eventTypes() []v1.ServerEventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]v1.ServerEventType, len(h.events))
	for i, e := range h.events {
		types[i] = e.Type
	}
	return types
}

func (h *fakeHooks) lastError() (v1.ErrorPayload, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Type == v1.ServerError {
			return h.events[i].Payload.(v1.ErrorPayload), true
		}
	}
	return v1.ErrorPayload{}, false
}

func (h *fakeHooks) lastResponse() (v1.AgentResponsePayload, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Type == v1.ServerAgentResponse {
			return h.events[i].Payload.(v1.AgentResponsePayload), true
		}
	}
	return v1.AgentResponsePayload{}, false
}

func newAgent(t *testing.T, hooks Hooks, prov provider.Provider, b bus.EventBus) *Session {
	t.Helper()
	return New(Config{
		ID:        "main-monitor-0",
		Role:      RoleMain,
		MonitorID: v1.DefaultMonitorID,
		Source:    v1.MainSource(),
		Provider:  prov,
		Hooks:     hooks,
		Bus:       b,
		Logger:    logger.Default(),
	})
}

func TestEngageStreamsTurnEvents(t *testing.T) {
	hooks := newFakeHooks()
	prov := provider.NewScripted("scripted", func(turn provider.Turn) []provider.StreamMessage {
		return []provider.StreamMessage{
			{Kind: provider.KindThinking, Text: "thinking it over"},
			{Kind: provider.KindToolUse, Tool: "create_window"},
			{Kind: provider.KindToolResult, Tool: "create_window"},
			{Kind: provider.KindText, Text: "Done."},
		}
	})
	a := newAgent(t, hooks, prov, bus.NewMemoryEventBus(logger.Default()))

	actions, err := a.Engage(context.Background(), &v1.Task{MessageID: "m1", Content: "go"}, "go", "")
	require.NoError(t, err)
	assert.Empty(t, actions)

	types := hooks.eventTypes()
	assert.Equal(t, v1.ServerAgentThinking, types[0], "thinking precedes the provider stream")
	assert.Contains(t, types, v1.ServerToolProgress)

	final, ok := hooks.lastResponse()
	require.True(t, ok)
	assert.True(t, final.IsComplete)
	assert.Equal(t, "Done.", final.Content)
	assert.Equal(t, []string{"Done."}, hooks.assistant)
	assert.NotEmpty(t, hooks.threads["main-monitor-0"], "thread persists after the turn")
}

func TestEngageCollectsOwnActionsOnly(t *testing.T) {
	hooks := newFakeHooks()
	b := bus.NewMemoryEventBus(logger.Default())

	inTurn := make(chan struct{})
	proceed := make(chan struct{})
	prov := provider.NewScripted("scripted", func(turn provider.Turn) []provider.StreamMessage {
		close(inTurn)
		<-proceed
		return []provider.StreamMessage{{Kind: provider.KindText, Text: "ok"}}
	})
	a := newAgent(t, hooks, prov, b)

	done := make(chan []v1.OSAction, 1)
	go func() {
		actions, _ := a.Engage(context.Background(), &v1.Task{MessageID: "m1"}, "go", "")
		done <- actions
	}()

	<-inTurn
	mine := events.ActionEnvelope{
		InstanceID: a.InstanceID(),
		Action:     v1.OSAction{Type: v1.ActionWindowCreate, WindowID: "win-1", Title: "Notes"},
	}
	other := events.ActionEnvelope{
		InstanceID: a.InstanceID() + 1000,
		Action:     v1.OSAction{Type: v1.ActionWindowCreate, WindowID: "win-x"},
	}
	require.NoError(t, events.PublishAction(context.Background(), b, "test", mine))
	require.NoError(t, events.PublishAction(context.Background(), b, "test", other))

	// No settling sleep: the end-of-turn flush guarantees both publishes are
	// seen before the collected actions are returned.
	close(proceed)

	select {
	case actions := <-done:
		require.Len(t, actions, 1)
		assert.Equal(t, "win-1", actions[0].WindowID)
	case <-time.After(2 * time.Second):
		t.Fatal("engage did not finish")
	}
	assert.Len(t, hooks.applied, 1)
}

func TestEngageProviderErrorStillCompletes(t *testing.T) {
	hooks := newFakeHooks()
	prov := provider.NewScripted("scripted", func(turn provider.Turn) []provider.StreamMessage {
		return []provider.StreamMessage{
			{Kind: provider.KindText, Text: "partial"},
			{Kind: provider.KindError, Err: "model overloaded"},
		}
	})
	a := newAgent(t, hooks, prov, bus.NewMemoryEventBus(logger.Default()))

	_, err := a.Engage(context.Background(), &v1.Task{MessageID: "m1"}, "go", "")
	require.NoError(t, err, "provider failures are not engage errors")

	assert.Contains(t, hooks.eventTypes(), v1.ServerError)
	final, ok := hooks.lastResponse()
	require.True(t, ok)
	assert.True(t, final.IsComplete, "clients must always see the turn end")
	assert.Equal(t, "partial", final.Content)
}

func TestEngageRejectsConcurrentTurns(t *testing.T) {
	hooks := newFakeHooks()
	inTurn := make(chan struct{})
	proceed := make(chan struct{})
	prov := provider.NewScripted("scripted", func(turn provider.Turn) []provider.StreamMessage {
		close(inTurn)
		<-proceed
		return nil
	})
	a := newAgent(t, hooks, prov, bus.NewMemoryEventBus(logger.Default()))

	go func() { _, _ = a.Engage(context.Background(), &v1.Task{MessageID: "m1"}, "go", "") }()
	<-inTurn
	assert.True(t, a.Busy())

	_, err := a.Engage(context.Background(), &v1.Task{MessageID: "m2"}, "go", "")
	assert.Error(t, err)
	close(proceed)
}

func TestInterruptEndsTurn(t *testing.T) {
	hooks := newFakeHooks()
	inTurn := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	prov := provider.NewScripted("scripted", func(turn provider.Turn) []provider.StreamMessage {
		close(inTurn)
		<-block
		return nil
	})
	a := newAgent(t, hooks, prov, bus.NewMemoryEventBus(logger.Default()))

	done := make(chan struct{})
	go func() {
		_, _ = a.Engage(context.Background(), &v1.Task{MessageID: "m1"}, "go", "")
		close(done)
	}()
	<-inTurn
	a.Interrupt()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt did not end the turn")
	}
	errPayload, ok := hooks.lastError()
	require.True(t, ok)
	assert.Equal(t, "Turn was interrupted", errPayload.Message)

	final, ok := hooks.lastResponse()
	require.True(t, ok)
	assert.True(t, final.IsComplete)
	assert.False(t, a.Busy())
}

func TestTurnLabels(t *testing.T) {
	task := &v1.Task{MessageID: "m1", WindowID: "win-1", ActionID: "act-1"}

	assert.Equal(t, "main-m1", TurnLabel(RoleMain, task))
	assert.Equal(t, "ephemeral-m1", TurnLabel(RoleEphemeral, task))
	assert.Equal(t, "window-win-1", TurnLabel(RoleWindow, task))
	assert.Equal(t, "window-win-1/act-1", TurnLabel(RoleParallel, task))
}

func TestCurrentLabelTracksRunningTurn(t *testing.T) {
	hooks := newFakeHooks()
	inTurn := make(chan struct{})
	proceed := make(chan struct{})
	prov := provider.NewScripted("scripted", func(turn provider.Turn) []provider.StreamMessage {
		close(inTurn)
		<-proceed
		return nil
	})
	a := newAgent(t, hooks, prov, bus.NewMemoryEventBus(logger.Default()))
	assert.Empty(t, a.CurrentLabel())

	done := make(chan struct{})
	go func() {
		_, _ = a.Engage(context.Background(), &v1.Task{MessageID: "m1"}, "go", "")
		close(done)
	}()
	<-inTurn
	assert.Equal(t, "main-m1", a.CurrentLabel())

	close(proceed)
	<-done
	assert.Empty(t, a.CurrentLabel(), "the label clears when the turn ends")
}

func TestEphemeralReplyStaysOffTape(t *testing.T) {
	hooks := newFakeHooks()
	prov := provider.NewScripted("scripted", nil)
	b := bus.NewMemoryEventBus(logger.Default())
	a := New(Config{
		Role:      RoleEphemeral,
		MonitorID: v1.DefaultMonitorID,
		Source:    v1.MainSource(),
		Provider:  prov,
		Hooks:     hooks,
		Bus:       b,
		Logger:    logger.Default(),
	})

	_, err := a.Engage(context.Background(), &v1.Task{MessageID: "m1", Content: "quick"}, "quick", "")
	require.NoError(t, err)

	// Clients saw the response, but the shared conversation did not.
	final, ok := hooks.lastResponse()
	require.True(t, ok)
	assert.True(t, final.IsComplete)
	assert.NotEmpty(t, final.Content)
	assert.Empty(t, hooks.assistant)
}
