package generation

import (
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type stubPort struct {
	text   string
	err    error
	chunks []Chunk
	delay  time.Duration
	active atomic.Int32
	peak   atomic.Int32
}

func (s *stubPort) Name() string { return "stub" }

func (s *stubPort) enter() func() {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { s.active.Add(-1) }
}

func (s *stubPort) Generate(ctx context.Context, req Request) (*Response, error) {
	defer s.enter()()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, Classify(ctx, s.Name(), ctx.Err())
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Text: s.text + "|" + req.User}, nil
}

func (s *stubPort) GenerateStream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		defer s.enter()()
		if s.err != nil {
			yield(Chunk{}, s.err)
			return
		}
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func seqOf(chunks ...Chunk) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func TestCollect(t *testing.T) {
	ctx := context.Background()

	var seen []string
	text, err := Collect(ctx, "t", seqOf(Chunk{Delta: "Hel"}, Chunk{Delta: "lo"}, Chunk{Done: true}), 0, func(d string) { seen = append(seen, d) })
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "lo"}, seen)

	_, err = Collect(ctx, "t", seqOf(Chunk{Delta: "Hel"}), 0, nil)
	require.ErrorIs(t, err, domain.ErrGenerationUnavailable, "missing completion marker")

	_, err = Collect(ctx, "t", seqOf(Chunk{Delta: "toolong"}, Chunk{Done: true}), 4, nil)
	require.ErrorIs(t, err, domain.ErrGenerationUnavailable, "size bound")

	text, err = Collect(ctx, "t", seqOf(Chunk{Delta: "final", Done: true}), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "final", text, "a done chunk may carry a delta")
}

func TestCollectStopsAfterDone(t *testing.T) {
	pulled := 0
	seq := func(yield func(Chunk, error) bool) {
		for _, c := range []Chunk{{Delta: "a"}, {Done: true}, {Delta: "ignored"}} {
			pulled++
			if !yield(c, nil) {
				return
			}
		}
	}
	text, err := Collect(context.Background(), "t", seq, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", text)
	assert.Equal(t, 2, pulled)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(context.Background(), "b", nil))
	assert.ErrorIs(t, Classify(context.Background(), "b", errors.New("503")), domain.ErrGenerationUnavailable)
	assert.ErrorIs(t, Classify(context.Background(), "b", context.DeadlineExceeded), domain.ErrGenerationTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Classify(ctx, "b", errors.New("stream reset")), context.Canceled)

	wrapped := Classify(context.Background(), "b", domain.ErrGenerationTimeout)
	assert.ErrorIs(t, wrapped, domain.ErrGenerationTimeout)
}

func TestLimitedBoundsConcurrency(t *testing.T) {
	stub := &stubPort{text: "ok", delay: 20 * time.Millisecond}
	port := NewLimited(stub, 2)
	assert.Equal(t, "stub", port.Name())

	done := make(chan error, 6)
	for range 6 {
		go func() {
			_, err := port.Generate(context.Background(), Request{User: "u"})
			done <- err
		}()
	}
	for range 6 {
		require.NoError(t, <-done)
	}
	assert.LessOrEqual(t, stub.peak.Load(), int32(2))
	assert.Same(t, stub, NewLimited(stub, 0))
}

func TestLimitedHonoursContextWhileWaiting(t *testing.T) {
	stub := &stubPort{text: "ok", delay: 200 * time.Millisecond}
	port := NewLimited(stub, 1)

	go func() { _, _ = port.Generate(context.Background(), Request{}) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := port.Generate(ctx, Request{})
	require.ErrorIs(t, err, domain.ErrGenerationTimeout)
}

func TestSocraticNeverAnswers(t *testing.T) {
	s := NewSocratic()
	req := Request{
		System: "## Session\nCurrent problem: What is 1/4 + 1/6?\nExpected answer (never reveal it): 5/12\n",
		User:   "Learner: is it 2/10",
	}
	resp, err := s.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.NotContains(t, resp.Text, "5/12")
	assert.Contains(t, resp.Text, "What is 1/4 + 1/6?")
	assert.True(t, strings.HasSuffix(resp.Text, "?"))

	streamed, err := Collect(context.Background(), s.Name(), s.GenerateStream(context.Background(), req), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, resp.Text, streamed)

	resp, err = s.Generate(context.Background(), Request{System: "Placement question: What is a fraction?", User: "Learner: (no message)"})
	require.NoError(t, err)
	assert.Equal(t, "Before we begin: What is a fraction?", resp.Text)
}

func bufconnClient(t *testing.T, port Port) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, port, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	client := NewGRPCClientFromConn(conn, "bufnet", nil)
	t.Cleanup(client.Close)
	return client
}

func TestGRPCRoundTrip(t *testing.T) {
	stub := &stubPort{text: "remote", chunks: []Chunk{{Delta: "a"}, {Delta: "b"}, {Done: true}}}
	client := bufconnClient(t, stub)
	ctx := context.Background()

	require.NoError(t, client.Health(ctx))

	resp, err := client.Generate(ctx, Request{System: "sys", User: "hello", Params: Params{MaxTokens: 64, Temperature: Temperature(0.2)}})
	require.NoError(t, err)
	assert.Equal(t, "remote|hello", resp.Text)

	text, err := Collect(ctx, client.Name(), client.GenerateStream(ctx, Request{User: "x", Params: Params{Stream: true}}), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
}

func TestGRPCErrorsMapToTaxonomy(t *testing.T) {
	stub := &stubPort{err: Classify(context.Background(), "stub", errors.New("model overloaded"))}
	client := bufconnClient(t, stub)

	_, err := client.Generate(context.Background(), Request{User: "x"})
	require.ErrorIs(t, err, domain.ErrGenerationUnavailable)

	_, err = Collect(context.Background(), client.Name(), client.GenerateStream(context.Background(), Request{User: "x"}), 0, nil)
	require.ErrorIs(t, err, domain.ErrGenerationUnavailable)

	timeout := &stubPort{err: Classify(context.Background(), "stub", context.DeadlineExceeded)}
	client = bufconnClient(t, timeout)
	_, err = client.Generate(context.Background(), Request{User: "x"})
	require.ErrorIs(t, err, domain.ErrGenerationTimeout)
}

func TestGRPCIncompleteStream(t *testing.T) {
	client := bufconnClient(t, &stubPort{chunks: []Chunk{{Delta: "partial"}}})
	_, err := Collect(context.Background(), client.Name(), client.GenerateStream(context.Background(), Request{User: "x"}), 0, nil)
	require.ErrorIs(t, err, domain.ErrGenerationUnavailable)
}

func TestOpenAIAdapter(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if strings.Contains(readAll(t, r), `"stream":true`) {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, part := range []string{"What ", "do you ", "notice?"} {
				_, _ = w.Write([]byte(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"` + part + `"}}]}` + "\n\n"))
			}
			_, _ = w.Write([]byte("data: [DONE]\n\n"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"What do you notice?"}}]}`))
	}))
	defer srv.Close()

	o, err := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1/", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "openai:m", o.Name())

	resp, err := o.Generate(context.Background(), Request{System: "s", User: "u", Params: Params{MaxTokens: 10, Temperature: Temperature(0.3)}})
	require.NoError(t, err)
	assert.Equal(t, "What do you notice?", resp.Text)
	assert.Equal(t, "/v1/chat/completions", gotPath)

	text, err := Collect(context.Background(), o.Name(), o.GenerateStream(context.Background(), Request{User: "u"}), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "What do you notice?", text)
}

func TestOpenAIAdapterSendsZeroTemperature(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bodies = append(bodies, readAll(t, r))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Why?"}}]}`))
	}))
	defer srv.Close()

	o, err := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1/", Model: "m"})
	require.NoError(t, err)

	_, err = o.Generate(context.Background(), Request{User: "u", Params: Params{Temperature: Temperature(0)}})
	require.NoError(t, err)
	_, err = o.Generate(context.Background(), Request{User: "u"})
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], `"temperature":0`)
	assert.NotContains(t, bodies[1], `"temperature"`)
}

func TestGRPCCodecKeepsZeroTemperature(t *testing.T) {
	in, err := encodeRequest(Request{User: "u", Params: Params{Temperature: Temperature(0)}})
	require.NoError(t, err)
	got := decodeRequest(in)
	require.NotNil(t, got.Params.Temperature)
	assert.Zero(t, *got.Params.Temperature)

	in, err = encodeRequest(Request{User: "u"})
	require.NoError(t, err)
	assert.Nil(t, decodeRequest(in).Params.Temperature)
}

func TestOpenAIAdapterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o, err := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1/"})
	require.NoError(t, err)
	_, err = o.Generate(context.Background(), Request{User: "u"})
	require.ErrorIs(t, err, domain.ErrGenerationUnavailable)

	_, err = NewOpenAI(OpenAIConfig{})
	require.Error(t, err)
}

func readAll(t *testing.T, r *http.Request) string {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return string(body)
}
