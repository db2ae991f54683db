package generation

import (
	"context"
	"io"
	"strings"

	"github.com/go-go-golems/parley/pkg/attachments"
	"github.com/go-go-golems/parley/pkg/backends"
	"github.com/go-go-golems/parley/pkg/connection"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/notify"
	"github.com/go-go-golems/parley/pkg/prompt"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BackendFactory creates the backend serving a connection.
type BackendFactory func(c *connection.Config) (backends.Backend, error)

// Request describes one generation: the variant Target is filled with the
// answer to the conversation Ancestry, read up to the node CutoffID.
type Request struct {
	Ancestry   conversation.Ancestry
	CutoffID   conversation.NodeID
	Target     *conversation.Variant
	Connection *connection.Config
	Persona    *conversation.Persona
}

// Manager runs generations and keeps the abort registry they are cancelled
// through.
type Manager struct {
	registry       *AbortRegistry
	builder        *prompt.Builder
	backendFactory BackendFactory
	sinks          []events.EventSink
	notifier       notify.Notifier
	appendToTarget bool
}

type Option func(*Manager)

func WithResolver(resolver attachments.Resolver) Option {
	return func(m *Manager) {
		m.builder = prompt.NewBuilder(resolver)
	}
}

func WithBackendFactory(f BackendFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.backendFactory = f
		}
	}
}

func WithEventSinks(sinks ...events.EventSink) Option {
	return func(m *Manager) {
		m.sinks = append(m.sinks, sinks...)
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

func WithRegistry(r *AbortRegistry) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithAppendToTarget controls whether received chunks are appended to the
// target variant. It is on by default; callers doing their own bookkeeping
// turn it off.
func WithAppendToTarget(enabled bool) Option {
	return func(m *Manager) {
		m.appendToTarget = enabled
	}
}

func NewManager(options ...Option) *Manager {
	ret := &Manager{
		registry:       NewAbortRegistry(),
		builder:        prompt.NewBuilder(nil),
		backendFactory: backends.NewBackend,
		appendToTarget: true,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (m *Manager) Registry() *AbortRegistry {
	return m.registry
}

// Cancel cancels the generation running for the variant id.
func (m *Manager) Cancel(id conversation.NodeID) bool {
	return m.registry.Cancel(id)
}

func (m *Manager) IsGenerating(id conversation.NodeID) bool {
	return m.registry.Has(id)
}

// Generate starts a generation for req.Target and returns right away.
//
// Without a usable connection the returned generation is empty: it yields no
// chunk, no error, and registers nothing. Otherwise the cancellation callback
// is registered under the target id before anything else happens, and
// removed again on every exit path before the generation reports its end.
func (m *Manager) Generate(ctx context.Context, req Request) *Generation {
	if req.Target == nil {
		g := newGeneration(conversation.NullNode)
		g.finish(StateFailed, errors.New("no target variant"))
		return g
	}
	id := req.Target.ID

	if req.Connection == nil || !req.Connection.Usable() {
		log.Debug().Str("generation_id", id.String()).Msg("No usable connection selected, skipping generation")
		return emptyGeneration(id)
	}

	g := newGeneration(id)
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	handle := m.registry.Register(id, cancel)

	go m.run(ctx, cancel, handle, g, req)

	return g
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, handle *AbortHandle, g *Generation, req Request) {
	conn := req.Connection.Clone()
	logger := log.With().
		Str("generation_id", g.ID.String()).
		Str("connection", conn.ID).
		Str("model", conn.Model).
		Logger()

	meta := events.EventMetadata{
		ID:           uuid.New(),
		GenerationID: g.ID.String(),
		Model:        conn.Model,
	}
	if endpoint, err := conn.Endpoint(); err == nil {
		meta.Endpoint = endpoint
	}

	var completion strings.Builder
	state := StateFailed
	var failure error

	defer func() {
		m.registry.Release(handle)
		cancel()

		switch state {
		case StateCompleted:
			logger.Debug().Int("length", completion.Len()).Msg("Generation completed")
		case StateCancelled:
			logger.Debug().Int("length", completion.Len()).Msg("Generation cancelled")
			m.publish(logger, events.NewInterruptEvent(meta, completion.String()))
		case StateFailed:
			logger.Warn().Err(failure).Msg("Generation failed")
			m.publish(logger, events.NewErrorEvent(meta, failure, completion.String()))
			if m.notifier != nil {
				m.notifier.Notify(failure.Error(), notify.ToastError)
			}
		}

		g.finish(state, failure)
	}()

	terminate := func(err error) {
		if ctx.Err() != nil {
			state, failure = StateCancelled, nil
			return
		}
		state, failure = StateFailed, err
	}

	messages, err := m.builder.BuildContext(ctx, req.Ancestry, req.CutoffID, req.Persona)
	if err != nil {
		terminate(errors.Wrap(err, "could not build context"))
		return
	}

	sentWith := conn.Parameters
	if sentWith == nil {
		sentWith = map[string]interface{}{}
	}
	req.Target.SetExtraDetails(&conversation.ExtraDetails{SentWith: sentWith})

	backend, err := m.backendFactory(conn)
	if err != nil {
		terminate(errors.Wrap(err, "could not create backend"))
		return
	}

	g.setState(StateDispatched)
	logger.Debug().
		Int("messages", len(messages)).
		Int("prompt_tokens", prompt.EstimateTokens(messages)).
		Msg("Dispatching generation")
	m.publish(logger, events.NewStartEvent(meta, len(messages)))

	stream, err := backend.GenerateChat(ctx, &backends.ChatRequest{
		Model:      conn.Model,
		Messages:   messages,
		Parameters: conn.Parameters,
	})
	if err != nil {
		terminate(err)
		return
	}
	defer stream.Close()

	streaming := false
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			terminate(err)
			return
		}

		if !streaming {
			streaming = true
			g.setState(StateStreaming)
		}

		// A chunk only becomes part of the answer once the caller took it.
		select {
		case g.chunks <- chunk:
		case <-ctx.Done():
			state, failure = StateCancelled, nil
			return
		}

		completion.WriteString(chunk)
		if m.appendToTarget {
			req.Target.AppendContent(chunk)
		}
		m.publish(logger, events.NewPartialCompletionEvent(meta, chunk, completion.String()))
	}

	returnedWith, err := stream.Metadata()
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring generation metadata")
	}
	if len(returnedWith) > 0 {
		req.Target.SetExtraDetails(&conversation.ExtraDetails{
			SentWith:     sentWith,
			ReturnedWith: returnedWith,
		})
	}

	m.publish(logger, events.NewFinalEvent(meta, completion.String(), returnedWith))
	state, failure = StateCompleted, nil
}

func (m *Manager) publish(logger zerolog.Logger, e events.Event) {
	for _, s := range m.sinks {
		if err := s.PublishEvent(e); err != nil {
			logger.Warn().Err(err).Str("type", string(e.Type())).Msg("Could not publish event")
		}
	}
}

// GenerateImages always fails with backends.ErrUnsupportedCapability. No
// backend is created and nothing is sent, whatever the connection.
func (m *Manager) GenerateImages(context.Context, *connection.Config, *backends.ImageRequest) ([]string, error) {
	return nil, &backends.UnsupportedCapabilityError{Capability: "generateImages"}
}
