// Package wire defines the message schema spoken on the client↔relay and
// relay↔upstream sockets. Both hops share one envelope; the relay only adds
// routing fields to completed transcripts, it never re-shapes payloads.
package wire

import "encoding/json"

// Message types, client → relay.
const (
	TypeSessionUpdate = "session.update"
	TypeAudioAppend   = "input_audio_buffer.append"
	TypeAudioCommit   = "input_audio_buffer.commit"
	TypeSessionFinish = "session.finish"
)

// Message types, relay → client.
const (
	TypePartialTranscript   = "partial_transcript"
	TypeCompletedTranscript = "completed_transcript"
	TypeSessionFinished     = "session.finished"
	TypeError               = "error"
)

// Mode selects how utterances are routed to a side.
type Mode string

const (
	ModeFixedSides Mode = "fixed_sides"
	ModeAutoDetect Mode = "auto_detect"
)

// Side identifies one of the two conversation participants.
type Side string

const (
	SideA       Side = "a"
	SideB       Side = "b"
	SideUnknown Side = ""
)

// Message is the flat wire envelope. Fields are populated per Type; unused
// fields are omitted from the encoding.
type Message struct {
	Type string `json:"type"`

	// session.update
	Mode      Mode   `json:"mode,omitempty"`
	LanguageA string `json:"language_a,omitempty"`
	LanguageB string `json:"language_b,omitempty"`
	Model     string `json:"model,omitempty"`

	// input_audio_buffer.append
	Audio string `json:"audio,omitempty"`

	// partial_transcript / completed_transcript
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`

	// routing annotation on completed_transcript
	Side           Side   `json:"side,omitempty"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`

	// session.finished
	Reason string `json:"reason,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Decode parses one wire message. An unmarshal failure or missing type is a
// protocol-level problem for the caller to surface.
func Decode(data []byte) (Message, bool) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, false
	}
	if m.Type == "" {
		return Message{}, false
	}
	return m, true
}

// Encode renders a message for the socket.
func Encode(m Message) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Message contains only plain scalar fields.
		return []byte(`{"type":"error","message":"encode failure"}`)
	}
	return b
}

// NewError builds an error message with a human-readable description.
func NewError(message string) Message {
	return Message{Type: TypeError, Message: message}
}

// NewFinished builds the terminal session.finished message.
func NewFinished(reason string) Message {
	return Message{Type: TypeSessionFinished, Reason: reason}
}
