package generation

import (
	"context"
	"io"
	"sync"

	"github.com/go-go-golems/parley/pkg/conversation"
)

type State int

const (
	StateIdle State = iota
	StateDispatched
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatched:
		return "dispatched"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Generation is one running request/stream/cleanup cycle producing content
// for one variant. Its chunks are consumed with Next or through Chunks.
//
// A consumer that stops reading before the end must call Cancel, otherwise the
// generation stays blocked handing over its next chunk.
type Generation struct {
	ID conversation.NodeID

	chunks chan string
	done   chan struct{}

	mu     sync.Mutex
	state  State
	err    error
	cancel context.CancelFunc
}

func newGeneration(id conversation.NodeID) *Generation {
	return &Generation{
		ID:     id,
		chunks: make(chan string),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// emptyGeneration yields no chunk and no error. It never leaves StateIdle.
func emptyGeneration(id conversation.NodeID) *Generation {
	g := newGeneration(id)
	close(g.chunks)
	close(g.done)
	return g
}

func (g *Generation) setState(s State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
}

func (g *Generation) finish(s State, err error) {
	g.mu.Lock()
	g.state = s
	g.err = err
	g.cancel = nil
	g.mu.Unlock()

	close(g.chunks)
	close(g.done)
}

func (g *Generation) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Next returns the next chunk. At the end of a completed or cancelled
// generation it returns io.EOF; at the end of a failed one it returns the
// error that ended it. If ctx is done first, ctx.Err() is returned and the
// generation is left running.
func (g *Generation) Next(ctx context.Context) (string, error) {
	select {
	case chunk, ok := <-g.chunks:
		if ok {
			return chunk, nil
		}
		if err := g.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Chunks is the channel the chunks are delivered on. It is closed when the
// generation ends, Err tells whether it failed.
func (g *Generation) Chunks() <-chan string {
	return g.chunks
}

func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Err is the error that made the generation fail, nil while running and for
// completed or cancelled generations.
func (g *Generation) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Cancel stops the generation. Content received so far stays valid.
func (g *Generation) Cancel() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait drains the remaining chunks and blocks until the generation ended.
func (g *Generation) Wait() error {
	//nolint:revive
	for range g.chunks {
	}
	<-g.done
	return g.Err()
}

// ReadAll collects the remaining chunks.
func (g *Generation) ReadAll(ctx context.Context) (string, error) {
	var ret []byte
	for {
		chunk, err := g.Next(ctx)
		if err == io.EOF {
			return string(ret), nil
		}
		if err != nil {
			return string(ret), err
		}
		ret = append(ret, chunk...)
	}
}
