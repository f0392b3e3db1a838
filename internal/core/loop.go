package core

import (
	"context"
	"errors"

	"HedgeVault/internal/event"
	"HedgeVault/internal/vault"
)

// ErrLoopStopped is returned to submitters once the loop has exited.
var ErrLoopStopped = errors.New("command loop stopped")

// Request is one command and where to send its result.
type Request struct {
	Cmd   event.Command
	Reply chan<- Result
}

type Result struct {
	Receipt *vault.Receipt
	Err     error
}

// Submitter hands commands to the engine and waits for the result.
type Submitter interface {
	Submit(ctx context.Context, cmd event.Command) (*vault.Receipt, error)
}

// CommandLoop is the single goroutine that drives the engine. Every
// surface (NATS, gRPC, keeper) submits through it so commands are applied
// in one total order.
type CommandLoop struct {
	engine   *Engine
	requests chan Request
	done     chan struct{}
}

func NewCommandLoop(engine *Engine, capacity int) *CommandLoop {
	return &CommandLoop{
		engine:   engine,
		requests: make(chan Request, capacity),
		done:     make(chan struct{}),
	}
}

// Run applies commands until ctx is cancelled.
func (l *CommandLoop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-l.requests:
			rec, err := l.engine.ProcessCommand(ctx, req.Cmd)
			// reply is buffered; a caller that gave up does not block the loop
			select {
			case req.Reply <- Result{Receipt: rec, Err: err}:
			default:
			}
		}
	}
}

// Submit queues cmd and waits for its result. If ctx ends after the command
// was queued it may still be applied.
func (l *CommandLoop) Submit(ctx context.Context, cmd event.Command) (*vault.Receipt, error) {
	reply := make(chan Result, 1)
	select {
	case l.requests <- Request{Cmd: cmd, Reply: reply}:
	case <-l.done:
		return nil, ErrLoopStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.Receipt, res.Err
	case <-l.done:
		return nil, ErrLoopStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of queued commands.
func (l *CommandLoop) Pending() int {
	return len(l.requests)
}

func (l *CommandLoop) Capacity() int {
	return cap(l.requests)
}
