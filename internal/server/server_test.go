package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voicelinehq/voiceline/internal/conversation"
	"github.com/voicelinehq/voiceline/internal/health"
	"github.com/voicelinehq/voiceline/internal/observe"
	"github.com/voicelinehq/voiceline/internal/session"
	"github.com/voicelinehq/voiceline/internal/stream"
	"github.com/voicelinehq/voiceline/internal/turntaking"
	"github.com/voicelinehq/voiceline/internal/vad"
	"github.com/voicelinehq/voiceline/pkg/audio"
	"github.com/voicelinehq/voiceline/pkg/provider/asr"
	asrmock "github.com/voicelinehq/voiceline/pkg/provider/asr/mock"
	"github.com/voicelinehq/voiceline/pkg/provider/llm"
	llmmock "github.com/voicelinehq/voiceline/pkg/provider/llm/mock"
	ttsmock "github.com/voicelinehq/voiceline/pkg/provider/tts/mock"
)

// ─── fixtures ─────────────────────────────────────────────────────────────────

type testServer struct {
	srv      *Server
	sessions *session.Manager
	rdb      *redis.Client
	asr      *asrmock.Provider
	llm      *llmmock.Provider
}

func newTestServer(t *testing.T, asrp *asrmock.Provider, llmp *llmmock.Provider) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	require.NoError(t, err)

	sessions := session.NewManager(rdb)
	conv := conversation.NewEngine(rdb, nil)
	ttsp := &ttsmock.Provider{}

	var llmProvider llm.Provider
	if llmp != nil {
		llmProvider = llmp
	}

	orch := stream.NewOrchestrator(stream.Deps{
		Sessions:     sessions,
		Conversation: conv,
		ASR:          asrp,
		LLM:          llmProvider,
		TTS:          ttsp,
		VAD:          vad.NewClassifier(nil),
		Metrics:      metrics,
	}, stream.Config{Turn: turntaking.Config{}, Voice: "test-voice"})

	srv := New(Deps{
		Sessions:     sessions,
		Conversation: conv,
		Orchestrator: orch,
		ASR:          asrp,
		TTS:          ttsp,
		Metrics:      metrics,
		Health:       health.New(health.RedisChecker(rdb)),
	}, Config{Voice: "test-voice"})

	return &testServer{srv: srv, sessions: sessions, rdb: rdb, asr: asrp, llm: llmp}
}

func doJSON(t *testing.T, h http.Handler, method, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

// voiceRequest builds a multipart POST /voice with the given audio payload.
func voiceRequest(t *testing.T, sessionID string, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "utterance.wav")
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/voice", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	return req
}

// ─── session endpoints ────────────────────────────────────────────────────────

func TestSessionCreateAndStatus(t *testing.T) {
	ts := newTestServer(t, &asrmock.Provider{}, nil)
	h := ts.srv.Handler()

	var created sessionCreatedResponse
	rec := doJSON(t, h, http.MethodPost, "/session/create", &created)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, "Session created", created.Message)

	// Creating a session also seeds the conversation row.
	state, ok, err := ts.srv.deps.Conversation.State(context.Background(), created.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, conversation.StateInit, state)

	var status sessionStatusResponse
	rec = doJSON(t, h, http.MethodGet, "/session/"+created.SessionID+"/status", &status)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.SessionID, status.SessionID)
	assert.Equal(t, string(session.StateNew), status.State)
	assert.False(t, status.IsIdle)
	assert.NotEmpty(t, status.CreatedAt)
}

func TestSessionStatusUnknown(t *testing.T) {
	ts := newTestServer(t, &asrmock.Provider{}, nil)

	rec := doJSON(t, ts.srv.Handler(), http.MethodGet, "/session/no-such-id/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionClose(t *testing.T) {
	ts := newTestServer(t, &asrmock.Provider{}, nil)
	h := ts.srv.Handler()

	var created sessionCreatedResponse
	doJSON(t, h, http.MethodPost, "/session/create", &created)

	var closed sessionClosedResponse
	rec := doJSON(t, h, http.MethodPost, "/session/"+created.SessionID+"/close", &closed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Session closed", closed.Message)
	assert.Equal(t, created.SessionID, closed.SessionID)

	var status sessionStatusResponse
	doJSON(t, h, http.MethodGet, "/session/"+created.SessionID+"/status", &status)
	assert.Equal(t, string(session.StateClosed), status.State)
}

func TestDegradedWithoutSessionStore(t *testing.T) {
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	require.NoError(t, err)
	srv := New(Deps{Metrics: metrics}, Config{})
	h := srv.Handler()

	for _, path := range []string{"/session/create", "/voice"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}

	// The static page keeps serving.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ─── voice endpoint ───────────────────────────────────────────────────────────

func TestVoiceExchange(t *testing.T) {
	asrp := &asrmock.Provider{Results: []*asr.Result{
		{Text: "I want to book an appointment", Confidence: 0.9, Language: "en"},
	}}
	llmp := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{Content: "Sure! May I know your name?"},
	}}
	ts := newTestServer(t, asrp, llmp)
	h := ts.srv.Handler()

	var created sessionCreatedResponse
	doJSON(t, h, http.MethodPost, "/session/create", &created)

	// The very first exchange on a fresh session answers with the greeting.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, voiceRequest(t, created.SessionID, bytes.Repeat([]byte{0x01, 0x02}, 3200)))
	require.Equal(t, http.StatusOK, rec.Code)
	var first voiceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, conversation.Greeting, first.Text)

	// The raw PCM upload reached the recogniser wrapped as a 16kHz WAV.
	require.Equal(t, 1, asrp.CallCount())
	pcm, rate, err := audio.UnwrapWAV(asrp.Calls[0].Audio)
	require.NoError(t, err)
	assert.Equal(t, audio.SampleRate, rate)
	assert.Equal(t, bytes.Repeat([]byte{0x01, 0x02}, 3200), pcm)

	// The second exchange carries the utterance through to the LLM.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, voiceRequest(t, created.SessionID, bytes.Repeat([]byte{0x01, 0x02}, 3200)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp voiceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Sure! May I know your name?", resp.Text)
	assert.NotEmpty(t, resp.Audio)
	assert.Equal(t, created.SessionID, resp.SessionID)
	assert.Equal(t, string(conversation.ActionAccept), resp.ASRAction)
	assert.InDelta(t, 0.9, resp.ASRConfidence, 1e-9)
	assert.Equal(t, "en", resp.ASRLanguage)
	assert.False(t, resp.ShouldEnd)

	// The reply advanced the dialog back to LISTENING.
	assert.Equal(t, string(conversation.StateListening), resp.ConversationState)

	history, err := ts.sessions.History(context.Background(), created.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
}

func TestVoiceWithoutHeaderCreatesSession(t *testing.T) {
	asrp := &asrmock.Provider{Results: []*asr.Result{
		{Text: "hello there everyone today", Confidence: 0.9, Language: "en"},
	}}
	ts := newTestServer(t, asrp, &llmmock.Provider{})
	h := ts.srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, voiceRequest(t, "", []byte{0x00, 0x01}))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp voiceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)

	_, err := ts.sessions.Get(context.Background(), resp.SessionID)
	assert.NoError(t, err)
}

func TestVoiceUnknownHeaderGetsFreshSession(t *testing.T) {
	asrp := &asrmock.Provider{Results: []*asr.Result{
		{Text: "hello there everyone today", Confidence: 0.9, Language: "en"},
	}}
	ts := newTestServer(t, asrp, &llmmock.Provider{})

	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, voiceRequest(t, "expired-or-bogus", []byte{0x00}))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp voiceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEqual(t, "expired-or-bogus", resp.SessionID)
	assert.NotEmpty(t, resp.SessionID)
}

func TestVoiceMissingAudio(t *testing.T) {
	ts := newTestServer(t, &asrmock.Provider{}, nil)

	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/voice", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoiceRejectedTranscriptGetsClarification(t *testing.T) {
	asrp := &asrmock.Provider{Results: []*asr.Result{
		{Text: "mumble", Confidence: 0.15, Language: "en"},
	}}
	ts := newTestServer(t, asrp, &llmmock.Provider{})
	h := ts.srv.Handler()

	var created sessionCreatedResponse
	doJSON(t, h, http.MethodPost, "/session/create", &created)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, voiceRequest(t, created.SessionID, []byte{0x00, 0x01}))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp voiceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(conversation.ActionReject), resp.ASRAction)
	assert.Equal(t, "I didn't catch that clearly. Could you please repeat?", resp.Text)
	assert.Equal(t, string(conversation.StateClarifying), resp.ConversationState)
}

func TestVoiceSilenceGetsSilencePrompt(t *testing.T) {
	// Empty transcription exercises the EMPTY action path.
	ts := newTestServer(t, &asrmock.Provider{}, nil)
	h := ts.srv.Handler()

	var created sessionCreatedResponse
	doJSON(t, h, http.MethodPost, "/session/create", &created)

	// First exchange walks INIT through the greeting.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, voiceRequest(t, created.SessionID, []byte{0x00}))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp voiceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "EMPTY", resp.ASRAction)
	assert.Equal(t, conversation.Greeting, resp.Text)
}

// ─── operational endpoints ────────────────────────────────────────────────────

func TestOperationalEndpoints(t *testing.T) {
	ts := newTestServer(t, &asrmock.Provider{}, nil)
	h := ts.srv.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "SmileCare")
}

// ─── websocket surface ────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readWS(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeWS(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(payload)))
}

func TestStreamGreetingAndEnd(t *testing.T) {
	ts := newTestServer(t, &asrmock.Provider{}, nil)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	t.Cleanup(httpSrv.Close)

	id, err := ts.sessions.Create(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(httpSrv, "/ws/voice/"+id), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	greeting := readWS(t, conn)
	assert.Equal(t, "response", greeting["type"])
	assert.Equal(t, conversation.Greeting, greeting["text"])

	writeWS(t, conn, `{"type":"ping"}`)
	pong := readWS(t, conn)
	assert.Equal(t, "pong", pong["type"])

	writeWS(t, conn, `{"type":"end"}`)
	readCtx, readCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer readCancel()
	_, _, err = conn.Read(readCtx)
	assert.Error(t, err, "server should close the socket after end")
}

func TestStreamInvalidSession(t *testing.T) {
	ts := newTestServer(t, &asrmock.Provider{}, nil)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	t.Cleanup(httpSrv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(httpSrv, "/ws/voice/nope"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	msg := readWS(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "Invalid session", msg["message"])
}

// Ensure the handler never panics on unknown routes.
func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, &asrmock.Provider{}, nil)

	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
