package server

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voicelinehq/voiceline/internal/conversation"
	"github.com/voicelinehq/voiceline/internal/session"
	"github.com/voicelinehq/voiceline/pkg/audio"
	"github.com/voicelinehq/voiceline/pkg/provider/asr"
)

// maxVoiceUpload bounds the multipart audio body (4 MiB is roughly two
// minutes of 16kHz PCM, far beyond a single utterance).
const maxVoiceUpload = 4 << 20

// voiceResponse is the JSON body of a one-shot voice exchange.
type voiceResponse struct {
	Text              string  `json:"text"`
	Audio             string  `json:"audio"`
	SessionID         string  `json:"session_id"`
	SessionState      string  `json:"session_state"`
	ConversationState string  `json:"conversation_state"`
	ShouldEnd         bool    `json:"should_end"`
	ASRConfidence     float64 `json:"asr_confidence"`
	ASRLanguage       string  `json:"asr_language"`
	ASRAction         string  `json:"asr_action"`
}

// handleVoice is the non-streaming exchange: one audio upload in, one
// transcription + reply out. Sessions are resolved from the X-Session-ID
// header; missing, unknown, or expired ids transparently get a fresh session.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.storeUnavailable(w)
		return
	}
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxVoiceUpload)
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "audio file is required"})
		return
	}
	defer file.Close()
	blob, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "could not read audio upload"})
		return
	}

	sessionID, err := s.resolveSession(ctx, r.Header.Get("X-Session-ID"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	sessionState, err := s.deps.Sessions.GetState(ctx, sessionID)
	if err != nil {
		s.storeError(w, err)
		return
	}

	res := s.transcribe(ctx, blob)
	text := strings.TrimSpace(res.Text)
	slog.Info("voice exchange",
		"session_id", sessionID,
		"text", text,
		"confidence", res.Confidence,
		"language", res.Language,
	)

	step, action, err := s.stepConversation(ctx, sessionID, res, text)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "conversation step failed"})
		slog.Error("conversation step failed", "session_id", sessionID, "error", err)
		return
	}

	if step.ShouldEnd {
		if err := s.deps.Sessions.Close(ctx, sessionID); err != nil {
			slog.Warn("session close failed", "session_id", sessionID, "error", err)
		}
	}

	reply := s.composeReply(ctx, sessionID, step, text)

	convState := string(step.State)
	if state, ok, stateErr := s.deps.Conversation.State(ctx, sessionID); stateErr == nil && ok {
		convState = string(state)
	}

	writeJSON(w, http.StatusOK, voiceResponse{
		Text:              reply,
		Audio:             s.synthesize(ctx, reply),
		SessionID:         sessionID,
		SessionState:      string(sessionState),
		ConversationState: convState,
		ShouldEnd:         step.ShouldEnd,
		ASRConfidence:     res.Confidence,
		ASRLanguage:       res.Language,
		ASRAction:         action,
	})
}

// resolveSession returns a usable session id for the exchange. A blank,
// unknown, or expired id yields a fresh session with a fresh conversation
// row; a live id is touched.
func (s *Server) resolveSession(ctx context.Context, id string) (string, error) {
	if id == "" {
		return s.freshSession(ctx)
	}

	if _, err := s.deps.Sessions.Get(ctx, id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return s.freshSession(ctx)
		}
		return "", err
	}

	expired, err := s.deps.Sessions.IsExpired(ctx, id)
	if err != nil {
		return "", err
	}
	if expired {
		if err := s.deps.Sessions.Close(ctx, id); err != nil {
			slog.Warn("expired session close failed", "session_id", id, "error", err)
		}
		return s.freshSession(ctx)
	}

	if err := s.deps.Sessions.Touch(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Server) freshSession(ctx context.Context) (string, error) {
	id, err := s.deps.Sessions.Create(ctx, "")
	if err != nil {
		return "", err
	}
	if err := s.deps.Conversation.Initialize(ctx, id); err != nil {
		slog.Warn("conversation initialize failed", "session_id", id, "error", err)
	}
	return id, nil
}

// transcribe runs the upload through ASR, wrapping raw PCM as WAV first.
// Failures degrade to an empty result.
func (s *Server) transcribe(ctx context.Context, blob []byte) *asr.Result {
	if !audio.IsContainer(blob) {
		blob = audio.WrapWAV(blob, audio.SampleRate)
	}

	start := time.Now()
	res, err := s.deps.ASR.Transcribe(ctx, blob, asr.Options{VADFilter: false})
	s.deps.Metrics.ASRDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.deps.Metrics.RecordProviderError(ctx, "asr", "transcribe")
		slog.Warn("transcription failed", "error", err)
		return &asr.Result{Language: "en"}
	}
	s.deps.Metrics.RecordProviderRequest(ctx, "asr", "transcribe", "ok")
	if res.Language == "" {
		res.Language = "en"
	}
	return res
}

// stepConversation routes the transcript through the dialog engine and steps
// the silent intermediate states, mirroring the streaming path.
func (s *Server) stepConversation(ctx context.Context, sessionID string, res *asr.Result, text string) (conversation.StepResult, string, error) {
	if text == "" || res.Confidence <= 0 {
		step, err := s.deps.Conversation.ProcessStateTransition(ctx, sessionID, text)
		return step, "EMPTY", err
	}

	res.Text = text
	step, meta, err := s.deps.Conversation.ProcessASRResult(ctx, sessionID, res)
	if err != nil {
		return step, string(meta.Action), err
	}
	for i := 0; i < 3 && step.Response == "" && !step.ShouldEnd &&
		(step.State == conversation.StateListening || step.State == conversation.StateProcessing); i++ {
		step, err = s.deps.Conversation.ProcessStateTransition(ctx, sessionID, text)
		if err != nil {
			return step, string(meta.Action), err
		}
	}
	return step, string(meta.Action), nil
}

// composeReply picks the final reply text: a scripted response when the
// dialog engine produced one, otherwise a generated reply.
func (s *Server) composeReply(ctx context.Context, sessionID string, step conversation.StepResult, text string) string {
	switch {
	case step.ShouldEnd:
		if step.Response != "" {
			return step.Response
		}
		return conversation.ClosingMessage

	case step.Response != "":
		return step.Response

	case text == "":
		return "I'm listening. Please go ahead."

	default:
		reply := s.deps.Orchestrator.GenerateReply(ctx, sessionID, text)
		s.appendHistory(ctx, sessionID, "user", text)
		s.appendHistory(ctx, sessionID, "assistant", reply)
		if step.State == conversation.StateResponding {
			if _, err := s.deps.Conversation.ProcessStateTransition(ctx, sessionID, ""); err != nil {
				slog.Warn("advance after reply failed", "session_id", sessionID, "error", err)
			}
		}
		return reply
	}
}

// synthesize renders the reply to base64 audio, empty on failure or when no
// TTS provider is configured.
func (s *Server) synthesize(ctx context.Context, text string) string {
	if s.deps.TTS == nil {
		return ""
	}
	start := time.Now()
	a, err := s.deps.TTS.Synthesize(ctx, text, s.cfg.Voice)
	s.deps.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.deps.Metrics.RecordProviderError(ctx, "tts", "synthesize")
		slog.Warn("speech synthesis failed", "error", err)
		return ""
	}
	s.deps.Metrics.RecordProviderRequest(ctx, "tts", "synthesize", "ok")
	return base64.StdEncoding.EncodeToString(a.Data)
}

func (s *Server) appendHistory(ctx context.Context, sessionID, role, content string) {
	if err := s.deps.Sessions.AddToHistory(ctx, sessionID, role, content); err != nil {
		slog.Warn("history append failed", "session_id", sessionID, "role", role, "error", err)
	}
}
