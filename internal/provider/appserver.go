package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/provider/jsonrpc"
)

const streamBuffer = 64

// AppServer runs one provider subprocess shared by every agent that uses the
// provider. Threads multiplex over the single process; turns are serialized
// through a strict-FIFO lock so prompts reach the process in submission order.
type AppServer struct {
	spec Spec

	mu       sync.Mutex
	cmd      *exec.Cmd
	client   *jsonrpc.Client
	turns    map[string]*activeTurn // by turn id
	byThread map[string]string      // thread id -> turn id
	closed   bool

	lock     *fifoLock
	stopRead context.CancelFunc
	logger   *logger.Logger
}

type activeTurn struct {
	threadID string
	ch       chan StreamMessage
	finished chan struct{}
}

// NewAppServer spawns the subprocess and performs the initialize handshake.
func NewAppServer(ctx context.Context, spec Spec, log *logger.Logger) (*AppServer, error) {
	s := &AppServer{
		spec:     spec,
		turns:    make(map[string]*activeTurn),
		byThread: make(map[string]string),
		lock:     newFIFOLock(),
		logger: log.WithFields(
			zap.String("component", "provider"),
			zap.String("provider", spec.Name)),
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start provider %s: %w", spec.Name, err)
	}
	s.cmd = cmd

	readCtx, cancel := context.WithCancel(context.Background())
	s.stopRead = cancel

	s.client = jsonrpc.NewClient(stdin, stdout, log)
	s.client.SetNotificationHandler(s.handleNotification)
	s.client.Start(readCtx)

	go s.watchExit()

	if _, err := s.client.Call(ctx, jsonrpc.MethodInitialize, jsonrpc.InitializeParams{
		ClientName:    "mirage",
		ClientVersion: "1",
	}); err != nil {
		s.shutdown()
		return nil, fmt.Errorf("provider %s initialize failed: %w", spec.Name, err)
	}

	s.logger.Info("provider started", zap.String("command", spec.Command))
	return s, nil
}

// Name implements Provider.
func (s *AppServer) Name() string { return s.spec.Name }

// StartTurn implements Provider. It waits its FIFO turn on the shared
// process, creating (or forking) the thread first when needed.
func (s *AppServer) StartTurn(ctx context.Context, turn Turn) (<-chan StreamMessage, error) {
	if err := s.lock.Acquire(ctx); err != nil {
		return nil, err
	}

	threadID, err := s.ensureThread(ctx, turn)
	if err != nil {
		s.lock.Release()
		return nil, err
	}

	turnID := uuid.New().String()
	active := &activeTurn{
		threadID: threadID,
		ch:       make(chan StreamMessage, streamBuffer),
		finished: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.lock.Release()
		return nil, ErrProviderClosed
	}
	if _, busy := s.byThread[threadID]; busy {
		s.mu.Unlock()
		s.lock.Release()
		return nil, ErrTurnInProgress
	}
	s.turns[turnID] = active
	s.byThread[threadID] = turnID
	s.mu.Unlock()

	if _, err := s.client.Call(ctx, jsonrpc.MethodPrompt, jsonrpc.PromptParams{
		ThreadID: threadID,
		TurnID:   turnID,
		Prompt:   turn.Prompt,
	}); err != nil {
		s.finishTurn(turnID)
		return nil, fmt.Errorf("prompt failed: %w", err)
	}

	// Cancelled callers abandon the stream; abort the turn so the FIFO lock
	// frees for the next waiter.
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Cancel(context.Background(), threadID)
		case <-active.finished:
		}
	}()

	return active.ch, nil
}

func (s *AppServer) ensureThread(ctx context.Context, turn Turn) (string, error) {
	if turn.ThreadID != "" {
		return turn.ThreadID, nil
	}

	var (
		resp *jsonrpc.Response
		err  error
	)
	if turn.ForkFromThread != "" {
		resp, err = s.client.Call(ctx, jsonrpc.MethodThreadFork, jsonrpc.ThreadForkParams{
			SourceThreadID: turn.ForkFromThread,
			SystemPrompt:   turn.SystemPrompt,
			AllowedTools:   turn.AllowedTools,
		})
	} else {
		resp, err = s.client.Call(ctx, jsonrpc.MethodThreadNew, jsonrpc.ThreadNewParams{
			SystemPrompt: turn.SystemPrompt,
			AllowedTools: turn.AllowedTools,
		})
	}
	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}

	var result jsonrpc.ThreadResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("failed to decode thread result: %w", err)
	}
	return result.ThreadID, nil
}

func (s *AppServer) handleNotification(method string, params json.RawMessage) {
	if method != jsonrpc.NotificationUpdate {
		s.logger.Warn("unexpected notification", zap.String("method", method))
		return
	}

	var update jsonrpc.ThreadUpdate
	if err := json.Unmarshal(params, &update); err != nil {
		s.logger.Error("failed to decode thread update", zap.Error(err))
		return
	}

	s.mu.Lock()
	active, ok := s.turns[update.TurnID]
	s.mu.Unlock()
	if !ok {
		return
	}

	msg := StreamMessage{
		Kind:     update.Kind,
		Text:     update.Text,
		Tool:     update.Tool,
		ThreadID: update.ThreadID,
		Err:      update.Error,
	}
	select {
	case active.ch <- msg:
	default:
		s.logger.Warn("dropping stream message, consumer too slow",
			zap.String("turn_id", update.TurnID),
			zap.String("kind", update.Kind))
	}

	if update.Kind == KindComplete || update.Kind == KindError {
		s.finishTurn(update.TurnID)
	}
}

func (s *AppServer) finishTurn(turnID string) {
	s.mu.Lock()
	active, ok := s.turns[turnID]
	if ok {
		delete(s.turns, turnID)
		delete(s.byThread, active.threadID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	close(active.finished)
	close(active.ch)
	s.lock.Release()
}

// Steer implements Provider.
func (s *AppServer) Steer(ctx context.Context, threadID, text string) error {
	return s.client.Notify(jsonrpc.MethodSteer, jsonrpc.SteerParams{ThreadID: threadID, Text: text})
}

// Cancel implements Provider. The stream still terminates through a
// thread/update notification from the subprocess.
func (s *AppServer) Cancel(ctx context.Context, threadID string) error {
	s.mu.Lock()
	_, running := s.byThread[threadID]
	s.mu.Unlock()
	if !running {
		return nil
	}
	_, err := s.client.Call(ctx, jsonrpc.MethodCancel, jsonrpc.CancelParams{ThreadID: threadID})
	return err
}

// DropThread implements Provider.
func (s *AppServer) DropThread(ctx context.Context, threadID string) error {
	_, err := s.client.Call(ctx, jsonrpc.MethodThreadDrop, jsonrpc.ThreadDropParams{ThreadID: threadID})
	return err
}

// Dispose implements Provider. It asks the process to exit, then tears
// everything down; in-flight turns terminate with an error message.
func (s *AppServer) Dispose(ctx context.Context) error {
	_, _ = s.client.Call(ctx, jsonrpc.MethodShutdown, nil)
	s.shutdown()
	return nil
}

func (s *AppServer) watchExit() {
	err := s.cmd.Wait()
	s.mu.Lock()
	alreadyClosed := s.closed
	s.mu.Unlock()
	if alreadyClosed {
		return
	}
	if err != nil {
		s.logger.Error("provider process exited", zap.Error(err))
	} else {
		s.logger.Warn("provider process exited")
	}
	s.shutdown()
}

func (s *AppServer) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	turns := s.turns
	s.turns = make(map[string]*activeTurn)
	s.byThread = make(map[string]string)
	s.mu.Unlock()

	for _, active := range turns {
		select {
		case active.ch <- StreamMessage{Kind: KindError, Err: "provider terminated"}:
		default:
		}
		close(active.finished)
		close(active.ch)
		s.lock.Release()
	}
	s.lock.Close()
	s.client.Stop()
	s.stopRead()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}
