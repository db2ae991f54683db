package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/parley/pkg/backends"
	"github.com/go-go-golems/parley/pkg/connection"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/notify"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// chanBody delivers one block per Read, taken from blocks, and fails with
// the context error once the request context is done. When blocks is closed
// it returns err, or io.EOF if err is nil.
type chanBody struct {
	ctx    context.Context
	blocks chan []byte
	err    error
}

func (b *chanBody) Read(p []byte) (int, error) {
	select {
	case blk, ok := <-b.blocks:
		if !ok {
			if b.err != nil {
				return 0, b.err
			}
			return 0, io.EOF
		}
		return copy(p, blk), nil
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	}
}

func (b *chanBody) Close() error { return nil }

// staticBody is closed up front and delivers the given blocks.
func staticBody(blocks ...string) *chanBody {
	ch := make(chan []byte, len(blocks))
	for _, blk := range blocks {
		ch <- []byte(blk)
	}
	close(ch)
	return &chanBody{blocks: ch}
}

// liveBody is fed by the test.
func liveBody() *chanBody {
	return &chanBody{blocks: make(chan []byte)}
}

type testResponse struct {
	status int
	header http.Header
	body   *chanBody
}

func (r *testResponse) StatusCode() int      { return r.status }
func (r *testResponse) Header() http.Header  { return r.header }
func (r *testResponse) Trailer() http.Header { return http.Header{} }
func (r *testResponse) Body() io.ReadCloser  { return r.body }

// testTransport hands out one body per opened request, in order.
type testTransport struct {
	mu       sync.Mutex
	status   int
	header   http.Header
	err      error
	bodies   []*chanBody
	requests [][]byte
}

func (tt *testTransport) Open(ctx context.Context, req *backends.Request) (backends.Response, error) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.requests = append(tt.requests, req.Body)
	if tt.err != nil {
		return nil, tt.err
	}
	if len(tt.bodies) == 0 {
		return nil, errors.New("no body left")
	}
	body := tt.bodies[0]
	tt.bodies = tt.bodies[1:]
	body.ctx = ctx

	status := tt.status
	if status == 0 {
		status = http.StatusOK
	}
	header := tt.header
	if header == nil {
		header = http.Header{}
	}
	return &testResponse{status: status, header: header, body: body}, nil
}

func (tt *testTransport) opened() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.requests)
}

func (tt *testTransport) request(i int) map[string]interface{} {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	var ret map[string]interface{}
	_ = json.Unmarshal(tt.requests[i], &ret)
	return ret
}

func newTestManager(tt *testTransport, options ...Option) *Manager {
	factory := func(c *connection.Config) (backends.Backend, error) {
		return backends.NewHTTPBackend("http://test.local/api/chat", tt, backends.WithMetadataHeader(c.HeaderName())), nil
	}
	return NewManager(append([]Option{WithBackendFactory(factory)}, options...)...)
}

func testConnection() *connection.Config {
	return &connection.Config{
		ID:         "local",
		Kind:       connection.KindDirect,
		Host:       "test.local",
		Path:       "/api/chat",
		Model:      "llama3",
		Parameters: map[string]interface{}{"temperature": 0.2},
	}
}

// testRequest builds a user question followed by an empty assistant node.
func testRequest() Request {
	tree := conversation.NewTree()
	question := conversation.NewMessageNode(conversation.NullNode, conversation.NewUserVariant("Hi"))
	tree.Insert(question)
	target := conversation.NewBotVariant("")
	answer := conversation.NewMessageNode(question.ID, target)
	tree.Insert(answer)

	return Request{
		Ancestry:   tree.Ancestry(answer.ID),
		CutoffID:   answer.ID,
		Target:     target,
		Connection: testConnection(),
		Persona:    &conversation.Persona{Name: "helper", Description: "Be brief."},
	}
}

func collect(t *testing.T, g *Generation) ([]string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var chunks []string
	for {
		chunk, err := g.Next(ctx)
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestGenerate_NoUsableConnection(t *testing.T) {
	tt := &testTransport{}
	m := newTestManager(tt)

	for _, c := range []*connection.Config{nil, {ID: "x", Host: "test.local"}} {
		req := testRequest()
		req.Connection = c
		g := m.Generate(context.Background(), req)

		chunks, err := collect(t, g)
		require.NoError(t, err)
		assert.Empty(t, chunks)
		assert.Equal(t, StateIdle, g.State())
		assert.Equal(t, 0, m.Registry().Len())
		assert.Nil(t, req.Target.ExtraDetails())
	}
	assert.Equal(t, 0, tt.opened())
}

func TestGenerate_StreamsChunksVerbatim(t *testing.T) {
	tt := &testTransport{bodies: []*chanBody{staticBody("He", "llo", " world")}}
	sink := &events.CollectingSink{}
	m := newTestManager(tt, WithEventSinks(sink))

	req := testRequest()
	g := m.Generate(context.Background(), req)
	chunks, err := collect(t, g)
	require.NoError(t, err)

	assert.Equal(t, []string{"He", "llo", " world"}, chunks)
	assert.Equal(t, "Hello world", req.Target.Content())
	assert.Equal(t, StateCompleted, g.State())
	assert.False(t, m.IsGenerating(req.Target.ID))
	assert.Equal(t, map[string]interface{}{"temperature": 0.2}, req.Target.ExtraDetails().SentWith)
	assert.Nil(t, req.Target.ExtraDetails().ReturnedWith)

	body := tt.request(0)
	assert.Equal(t, "llama3", body["model"])
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, 0.2, body["temperature"])
	messages, ok := body["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
	assert.Equal(t, "Hi", messages[1].(map[string]interface{})["content"])

	var types []events.EventType
	for _, e := range sink.Events() {
		types = append(types, e.Type())
		assert.Equal(t, req.Target.ID.String(), e.Metadata().GenerationID)
	}
	assert.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypeFinal,
	}, types)
}

func TestGenerate_WithoutAppendToTarget(t *testing.T) {
	tt := &testTransport{bodies: []*chanBody{staticBody("a", "b")}}
	m := newTestManager(tt, WithAppendToTarget(false))

	req := testRequest()
	text, err := m.Generate(context.Background(), req).ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
	assert.Equal(t, "", req.Target.Content())
}

func TestGenerate_ReturnedMetadata(t *testing.T) {
	tt := &testTransport{
		header: http.Header{"X-Generation-Info": []string{`{"eval_count": 3, "model": "llama3"}`}},
		bodies: []*chanBody{staticBody("ok")},
	}
	m := newTestManager(tt)

	req := testRequest()
	require.NoError(t, m.Generate(context.Background(), req).Wait())

	details := req.Target.ExtraDetails()
	assert.Equal(t, map[string]interface{}{"temperature": 0.2}, details.SentWith)
	assert.Equal(t, map[string]interface{}{"eval_count": 3.0, "model": "llama3"}, details.ReturnedWith)
}

func TestGenerate_MalformedMetadataIsIgnored(t *testing.T) {
	tt := &testTransport{
		header: http.Header{"X-Generation-Info": []string{`{not json`}},
		bodies: []*chanBody{staticBody("ok")},
	}
	m := newTestManager(tt)

	req := testRequest()
	g := m.Generate(context.Background(), req)
	require.NoError(t, g.Wait())
	assert.Equal(t, StateCompleted, g.State())
	assert.Equal(t, "ok", req.Target.Content())
	assert.Nil(t, req.Target.ExtraDetails().ReturnedWith)
	assert.NotNil(t, req.Target.ExtraDetails().SentWith)
}

func TestGenerate_TransportFailure(t *testing.T) {
	toasts := notify.NewToastQueue()
	sink := &events.CollectingSink{}
	tt := &testTransport{err: errors.New("connection refused")}
	m := newTestManager(tt, WithNotifier(toasts), WithEventSinks(sink))

	req := testRequest()
	g := m.Generate(context.Background(), req)
	_, err := collect(t, g)
	require.Error(t, err)

	var transportErr *backends.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, StateFailed, g.State())
	assert.Equal(t, err, g.Err())
	assert.False(t, m.IsGenerating(req.Target.ID))

	require.Len(t, toasts.List(), 1)
	assert.Equal(t, notify.ToastError, toasts.List()[0].Type)

	evs := sink.Events()
	require.NotEmpty(t, evs)
	assert.Equal(t, events.EventTypeError, evs[len(evs)-1].Type())
}

func TestGenerate_NonSuccessStatus(t *testing.T) {
	tt := &testTransport{status: http.StatusInternalServerError, bodies: []*chanBody{staticBody("boom")}}
	m := newTestManager(tt)

	req := testRequest()
	err := m.Generate(context.Background(), req).Wait()
	var transportErr *backends.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
	assert.Equal(t, "", req.Target.Content())
	assert.Equal(t, 1, tt.opened())
}

func TestGenerate_FailsMidStream(t *testing.T) {
	body := liveBody()
	tt := &testTransport{bodies: []*chanBody{body}}
	m := newTestManager(tt)

	req := testRequest()
	g := m.Generate(context.Background(), req)

	body.blocks <- []byte("partial")
	chunk, err := g.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "partial", chunk)

	body.err = errors.New("connection reset by peer")
	close(body.blocks)

	_, err = collect(t, g)
	var transportErr *backends.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, StateFailed, g.State())
	assert.Equal(t, "partial", req.Target.Content())
	assert.False(t, m.IsGenerating(req.Target.ID))
}

func TestGenerate_CancelKeepsPartialContent(t *testing.T) {
	body := liveBody()
	tt := &testTransport{bodies: []*chanBody{body}}
	sink := &events.CollectingSink{}
	toasts := notify.NewToastQueue()
	m := newTestManager(tt, WithEventSinks(sink), WithNotifier(toasts))

	req := testRequest()
	g := m.Generate(context.Background(), req)

	body.blocks <- []byte("Hel")
	chunk, err := g.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hel", chunk)
	assert.Equal(t, StateStreaming, g.State())

	require.True(t, m.Cancel(req.Target.ID))

	chunks, err := collect(t, g)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Equal(t, StateCancelled, g.State())
	assert.NoError(t, g.Err())
	assert.Equal(t, "Hel", req.Target.Content())
	assert.False(t, m.IsGenerating(req.Target.ID))
	assert.Empty(t, toasts.List())

	evs := sink.Events()
	require.NotEmpty(t, evs)
	interrupt, ok := evs[len(evs)-1].(*events.EventInterrupt)
	require.True(t, ok)
	assert.Equal(t, "Hel", interrupt.Text)
}

func TestGenerate_CancelWhileHandingOverChunk(t *testing.T) {
	body := liveBody()
	tt := &testTransport{bodies: []*chanBody{body}}
	sink := &events.CollectingSink{}
	m := newTestManager(tt, WithEventSinks(sink))

	req := testRequest()
	g := m.Generate(context.Background(), req)

	body.blocks <- []byte("Hel")
	chunk, err := g.Next(context.Background())
	require.NoError(t, err)
	received := chunk

	// "lo" has been read from the body, nobody takes it from the generation
	body.blocks <- []byte("lo")
	require.True(t, m.Cancel(req.Target.ID))

	rest, err := collect(t, g)
	require.NoError(t, err)
	for _, c := range rest {
		received += c
	}

	assert.Equal(t, StateCancelled, g.State())
	assert.Equal(t, received, req.Target.Content())
	assert.False(t, m.IsGenerating(req.Target.ID))

	evs := sink.Events()
	require.NotEmpty(t, evs)
	interrupt, ok := evs[len(evs)-1].(*events.EventInterrupt)
	require.True(t, ok)
	assert.Equal(t, received, interrupt.Text)
}

func TestGenerate_CallerContextCancelled(t *testing.T) {
	tt := &testTransport{bodies: []*chanBody{staticBody("never")}}
	m := newTestManager(tt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := testRequest()
	g := m.Generate(ctx, req)
	require.NoError(t, g.Wait())
	assert.Equal(t, StateCancelled, g.State())
	assert.Equal(t, 0, m.Registry().Len())
	assert.Equal(t, "", req.Target.Content())
}

func TestGenerate_GenerationCancel(t *testing.T) {
	body := liveBody()
	tt := &testTransport{bodies: []*chanBody{body}}
	m := newTestManager(tt)

	req := testRequest()
	g := m.Generate(context.Background(), req)
	require.Eventually(t, func() bool { return tt.opened() == 1 }, 5*time.Second, time.Millisecond)

	g.Cancel()
	require.NoError(t, g.Wait())
	assert.Equal(t, StateCancelled, g.State())
	assert.False(t, m.IsGenerating(req.Target.ID))
}

func TestGenerate_SameIDOverwritesRegistration(t *testing.T) {
	first, second := liveBody(), liveBody()
	tt := &testTransport{bodies: []*chanBody{first, second}}
	m := newTestManager(tt)

	reqA := testRequest()
	gA := m.Generate(context.Background(), reqA)
	require.Eventually(t, func() bool { return tt.opened() == 1 }, 5*time.Second, time.Millisecond)

	reqB := testRequest()
	reqB.Target.ID = reqA.Target.ID
	gB := m.Generate(context.Background(), reqB)
	require.Eventually(t, func() bool { return tt.opened() == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, m.Registry().Len())

	// the first generation ends but the entry now belongs to the second one
	first.blocks <- []byte("A")
	close(first.blocks)
	text, err := gA.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", text)
	assert.True(t, m.IsGenerating(reqA.Target.ID))

	require.True(t, m.Cancel(reqB.Target.ID))
	require.NoError(t, gB.Wait())
	assert.Equal(t, StateCancelled, gB.State())
	assert.Equal(t, StateCompleted, gA.State())
	assert.Equal(t, 0, m.Registry().Len())
}

func TestGenerate_ConcurrentGenerations(t *testing.T) {
	const n = 5
	var bodies []*chanBody
	for i := 0; i < n; i++ {
		bodies = append(bodies, staticBody("same ", "answer"))
	}
	tt := &testTransport{bodies: bodies}
	m := newTestManager(tt)

	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = testRequest()
	}

	eg, ctx := errgroup.WithContext(context.Background())
	for i := range reqs {
		req := reqs[i]
		eg.Go(func() error {
			text, err := m.Generate(ctx, req).ReadAll(ctx)
			if err != nil {
				return err
			}
			if text != "same answer" {
				return fmt.Errorf("unexpected text %q", text)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for _, req := range reqs {
		assert.Equal(t, "same answer", req.Target.Content())
	}
	assert.Equal(t, 0, m.Registry().Len())
	assert.Equal(t, n, tt.opened())
}

func TestGenerate_NoTarget(t *testing.T) {
	m := newTestManager(&testTransport{})
	g := m.Generate(context.Background(), Request{Connection: testConnection()})
	require.Error(t, g.Wait())
	assert.Equal(t, StateFailed, g.State())
}

func TestGenerateImages_Unsupported(t *testing.T) {
	tt := &testTransport{}
	m := newTestManager(tt)

	tests := []struct {
		name string
		conn *connection.Config
	}{
		{name: "usable connection", conn: testConnection()},
		{name: "nil connection", conn: nil},
		{name: "unusable connection", conn: &connection.Config{ID: "x", Host: "test.local"}},
		{name: "unknown kind", conn: &connection.Config{ID: "x", Kind: "carrier-pigeon", Host: "test.local", Model: "llama3"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			images, err := m.GenerateImages(context.Background(), tc.conn, &backends.ImageRequest{Prompt: "a cat"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, backends.ErrUnsupportedCapability))
			assert.Nil(t, images)
		})
	}
	assert.Equal(t, 0, tt.opened())
	assert.Equal(t, 0, m.Registry().Len())
}
