package stream

// Wire messages exchanged over the voice WebSocket. Binary frames carry
// caller audio; text frames carry JSON control messages.

// clientMessage is the envelope for inbound control messages.
type clientMessage struct {
	Type string `json:"type"`
}

// pongMessage answers a client ping.
type pongMessage struct {
	Type string `json:"type"`
}

// errorMessage reports a fatal stream error to the client.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// bargeInMessage tells the client to stop bot playback immediately.
type bargeInMessage struct {
	Type string `json:"type"`
}

// transcriptionMessage carries the recognised caller utterance.
type transcriptionMessage struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Action     string  `json:"action"`
}

// responseMessage carries a bot reply: the text, its synthesised audio as
// base64 MP3, and the dialog state after the reply.
type responseMessage struct {
	Type              string `json:"type"`
	Text              string `json:"text"`
	Audio             string `json:"audio,omitempty"`
	ConversationState string `json:"conversation_state"`
	ShouldEnd         bool   `json:"should_end,omitempty"`
}

func newPong() pongMessage       { return pongMessage{Type: "pong"} }
func newBargeIn() bargeInMessage { return bargeInMessage{Type: "barge_in"} }

func newError(msg string) errorMessage {
	return errorMessage{Type: "error", Message: msg}
}
