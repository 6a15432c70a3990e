//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"github.com/ashureev/shsh-tutor/internal/generation"
	"github.com/ashureev/shsh-tutor/internal/identity"
	"github.com/ashureev/shsh-tutor/internal/store"
	"github.com/ashureev/shsh-tutor/internal/templates"
	"github.com/ashureev/shsh-tutor/internal/tutor"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const guiding = "Nice work. How could you check that with a common denominator?"

// fixedPort answers every prompt with the same text.
type fixedPort struct{ text string }

func (p fixedPort) Name() string { return "fixed" }

func (p fixedPort) Generate(ctx context.Context, _ generation.Request) (*generation.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &generation.Response{Text: p.text}, nil
}

func (p fixedPort) GenerateStream(_ context.Context, _ generation.Request) iter.Seq2[generation.Chunk, error] {
	return func(yield func(generation.Chunk, error) bool) {
		for _, w := range strings.SplitAfter(p.text, " ") {
			if !yield(generation.Chunk{Delta: w}, nil) {
				return
			}
		}
		yield(generation.Chunk{Done: true}, nil)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newServer(t *testing.T, port generation.Port) (*httptest.Server, *store.Memory) {
	t.Helper()
	set, err := templates.Default()
	require.NoError(t, err)
	repo := store.NewMemory()
	orch, err := tutor.New(tutor.DefaultConfig(), repo, set, port, tutor.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	h := NewHandler(orch, repo, Config{IsDev: true}, slog.New(slog.DiscardHandler))
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, true))
		h.RegisterRoutes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, repo
}

func do(t *testing.T, srv *httptest.Server, method, path, learner, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if learner != "" {
		req.Header.Set(identity.LearnerHeaderName, learner)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createSession(t *testing.T, srv *httptest.Server, learner string) *domain.Session {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/api/sessions", learner, `{"assessment": false}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[*domain.Session](t, resp)
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("x: %w", domain.ErrSessionNotFound), http.StatusNotFound, "session_not_found"},
		{fmt.Errorf("x: %w", domain.ErrSessionBusy), http.StatusConflict, "session_busy"},
		{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{domain.ErrTemplateMissing, http.StatusBadRequest, "template_missing"},
		{tutor.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, body := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, body.Code)
		assert.NotContains(t, body.Error, "disk on fire")
	}
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _ := newServer(t, fixedPort{text: guiding})

	sess := createSession(t, srv, "learner-1")
	assert.Equal(t, domain.StateInLesson, sess.State)
	assert.Equal(t, "learner-1", sess.LearnerID)

	resp := do(t, srv, http.MethodGet, "/api/sessions/"+sess.ID, "learner-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[*domain.Session](t, resp)
	assert.Equal(t, sess.ID, got.ID)

	// Another learner cannot see it.
	resp = do(t, srv, http.MethodGet, "/api/sessions/"+sess.ID, "learner-2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSessionUnknownLesson(t *testing.T) {
	srv, _ := newServer(t, fixedPort{text: guiding})

	resp := do(t, srv, http.MethodPost, "/api/sessions", "learner-1", `{"lesson_id": "nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorBody](t, resp)
	assert.Equal(t, "template_missing", body.Code)
}

func TestSubmitTurnJSON(t *testing.T) {
	srv, repo := newServer(t, fixedPort{text: guiding})
	sess := createSession(t, srv, "learner-1")

	resp := do(t, srv, http.MethodPost, "/api/sessions/"+sess.ID+"/turns", "learner-1", `{"message": "is it 5/12?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[tutor.Result](t, resp)
	assert.Equal(t, guiding, res.Response)
	assert.False(t, res.Fallback)
	assert.True(t, res.Committed)

	resp = do(t, srv, http.MethodGet, "/api/sessions/"+sess.ID+"/turns?limit=10", "learner-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[struct {
		Turns []*domain.TurnRecord `json:"turns"`
	}](t, resp)
	require.Len(t, history.Turns, 1)
	assert.True(t, history.Turns[0].Committed)

	stored, err := repo.LoadSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Version+1, stored.Version)
}

func TestSubmitTurnValidation(t *testing.T) {
	srv, _ := newServer(t, fixedPort{text: guiding})
	sess := createSession(t, srv, "learner-1")
	path := "/api/sessions/" + sess.ID + "/turns"

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, path, "learner-1", `{"message": "   "}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, path, "learner-1", `not json`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, path, "learner-1", ``).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/sessions/missing/turns", "learner-1", `{"message": "hi"}`).StatusCode)

	big := `{"message": "` + strings.Repeat("a", defaultMaxRequestBodySize) + `"}`
	assert.Equal(t, http.StatusRequestEntityTooLarge, do(t, srv, http.MethodPost, path, "learner-1", big).StatusCode)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, path+"?limit=-1", "learner-1", "").StatusCode)
}

const unsafeReply = "Honestly you should just go hurt yourself over fractions."

type sseStream struct {
	raw    string
	events []string
	deltas string
	result tutor.Result
}

func streamTurn(t *testing.T, srv *httptest.Server, sessionID, body string) sseStream {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/sessions/"+sessionID+"/turns", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(identity.LearnerHeaderName, "learner-1")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var (
		out    sseStream
		raw    strings.Builder
		deltas strings.Builder
	)
	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		raw.WriteString(line + "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
			out.events = append(out.events, event)
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "delta":
				var d DeltaEvent
				require.NoError(t, json.Unmarshal([]byte(data), &d))
				deltas.WriteString(d.Delta)
			case "result":
				require.NoError(t, json.Unmarshal([]byte(data), &out.result))
			}
		}
	}
	require.NoError(t, scanner.Err())
	out.raw = raw.String()
	out.deltas = deltas.String()
	return out
}

func TestSubmitTurnSSEBuffersByDefault(t *testing.T) {
	srv, _ := newServer(t, fixedPort{text: guiding})
	sess := createSession(t, srv, "learner-1")

	got := streamTurn(t, srv, sess.ID, `{"message": "is it 5/12?"}`)
	assert.Equal(t, []string{"result"}, got.events)
	assert.Empty(t, got.deltas)
	assert.Equal(t, guiding, got.result.Response)
	assert.True(t, got.result.Committed)
}

func TestSubmitTurnSSESpeculative(t *testing.T) {
	srv, _ := newServer(t, fixedPort{text: guiding})
	sess := createSession(t, srv, "learner-1")

	got := streamTurn(t, srv, sess.ID, `{"message": "is it 5/12?", "speculative": true}`)
	require.NotEmpty(t, got.events)
	assert.Equal(t, "result", got.events[len(got.events)-1])
	assert.Contains(t, got.events, "delta")
	assert.Equal(t, guiding, got.deltas)
	assert.Equal(t, guiding, got.result.Response)
}

func TestSubmitTurnSSEUnsafeTextNeverSent(t *testing.T) {
	srv, _ := newServer(t, fixedPort{text: unsafeReply})
	sess := createSession(t, srv, "learner-1")

	got := streamTurn(t, srv, sess.ID, `{"message": "is it 5/12?"}`)
	assert.Equal(t, []string{"result"}, got.events)
	assert.NotContains(t, got.raw, "yourself")
	assert.True(t, got.result.Fallback)
	assert.Equal(t, "safety", got.result.FallbackReason)
	assert.False(t, got.result.Committed)
}

func dialTurns(ctx context.Context, t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + sessionID
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{identity.LearnerHeaderName: []string{"learner-1"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// wsTurnFrames sends one turn and collects frames up to the result.
func wsTurnFrames(ctx context.Context, t *testing.T, ws *websocket.Conn, turn string) (string, wsOutbound) {
	t.Helper()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(turn)))
	var deltas strings.Builder
	for {
		frame := readFrame(ctx, t, ws)
		switch frame.Type {
		case "delta":
			deltas.WriteString(frame.Delta.Delta)
		case "discard":
		default:
			return deltas.String(), frame
		}
	}
}

func TestWebSocketTurn(t *testing.T) {
	srv, _ := newServer(t, fixedPort{text: guiding})
	sess := createSession(t, srv, "learner-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws := dialTurns(ctx, t, srv, sess.ID)

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`)))
	frame := readFrame(ctx, t, ws)
	assert.Equal(t, "error", frame.Type)

	deltas, frame := wsTurnFrames(ctx, t, ws, `{"type":"turn","message":"is it 5/12?"}`)
	require.Equal(t, "result", frame.Type)
	assert.Equal(t, guiding, frame.Result.Response)
	assert.Empty(t, deltas)

	deltas, frame = wsTurnFrames(ctx, t, ws, `{"type":"turn","message":"and then?","speculative":true}`)
	require.Equal(t, "result", frame.Type)
	assert.Equal(t, guiding, frame.Result.Response)
	assert.Equal(t, guiding, deltas)
}

func TestWebSocketUnsafeTextNeverSent(t *testing.T) {
	srv, _ := newServer(t, fixedPort{text: unsafeReply})
	sess := createSession(t, srv, "learner-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws := dialTurns(ctx, t, srv, sess.ID)

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"turn","message":"is it 5/12?"}`)))
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "yourself")

	var frame wsOutbound
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "result", frame.Type)
	assert.True(t, frame.Result.Fallback)
	assert.Equal(t, "safety", frame.Result.FallbackReason)
}

func readFrame(ctx context.Context, t *testing.T, ws *websocket.Conn) wsOutbound {
	t.Helper()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var frame wsOutbound
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestGetLearner(t *testing.T) {
	srv, _ := newServer(t, fixedPort{text: guiding})

	resp := do(t, srv, http.MethodGet, "/api/learner", "learner-9", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lc := decode[*domain.LearnerContext](t, resp)
	assert.Equal(t, "learner-9", lc.LearnerID)
}

func TestHealth(t *testing.T) {
	set, err := templates.Default()
	require.NoError(t, err)
	orch, err := tutor.New(tutor.DefaultConfig(), store.NewMemory(), set, fixedPort{}, tutor.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	healthy := NewHandler(orch, pingFunc(func(context.Context) error { return nil }), Config{}, nil)
	w := httptest.NewRecorder()
	healthy.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"generation":"fixed"`)

	down := NewHandler(orch, pingFunc(func(context.Context) error { return errors.New("down") }), Config{}, nil)
	w = httptest.NewRecorder()
	down.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
