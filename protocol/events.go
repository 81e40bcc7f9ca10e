// Package protocol defines the conversation events exchanged with the
// interview session server and the decode step applied at the transport
// boundary. The event set is closed: payloads that do not match a known
// event name and shape are rejected instead of being forwarded untyped.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names, client to server.
const (
	EventJoinInterview = "join-interview"
	EventSendMessage   = "send-message"
)

// Event names, server to client.
const (
	EventSessionStarted   = "session-started"
	EventNewMessage       = "new-message"
	EventMessageReceived  = "message-received"
	EventAgentTyping      = "agent-typing"
	EventAudioTranscribed = "audio-transcribed"
	EventCompleted        = "interview-completed"
	EventError            = "error"
)

// Envelope is the wire framing for every event: a name plus a JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment is the durable reference bundle for an uploaded artifact.
// Content lives remotely; this is metadata only.
type Attachment struct {
	URL       string `json:"fileUrl"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimetype"`
	SizeBytes int64  `json:"size"`
}

// Audio references a voice clip attached to a message. A user message
// carrying Audio is rewritten in place once its transcription arrives.
type Audio struct {
	URL             string  `json:"url"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// Message is one entry in the conversation history. ID is the
// client-generated correlation ID for user messages; the server echoes it
// back so the client can merge instead of duplicating.
type Message struct {
	ID         string      `json:"messageId,omitempty"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Audio      *Audio      `json:"audio,omitempty"`
}

// Event is one decoded protocol event. The set of implementations in this
// package is the complete protocol.
type Event interface {
	Name() string
}

// JoinInterview requests a session for one interview execution. Employee
// identity is never sent; the server derives it from the connection's
// credential.
type JoinInterview struct {
	ExecutionID string `json:"executionId"`
}

func (JoinInterview) Name() string { return EventJoinInterview }

// SendMessage publishes a user message, optionally carrying the reference
// to an already uploaded attachment.
type SendMessage struct {
	MessageID  string      `json:"messageId"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

func (SendMessage) Name() string { return EventSendMessage }

// SessionStarted replays the conversation history and hands the client its
// session ID. Sent once per session; a reconnect within the same session
// resumes live delivery without a fresh replay.
type SessionStarted struct {
	SessionID           string    `json:"sessionId"`
	InterviewID         string    `json:"interviewId"`
	EmployeeName        string    `json:"employeeName"`
	ConversationHistory []Message `json:"conversationHistory"`
}

func (SessionStarted) Name() string { return EventSessionStarted }

// NewMessage is an assistant message.
type NewMessage struct {
	Message
}

func (NewMessage) Name() string { return EventNewMessage }

// MessageReceived is the server echo of a user message.
type MessageReceived struct {
	Message
}

func (MessageReceived) Name() string { return EventMessageReceived }

// AgentTyping toggles the "assistant is typing" indicator.
type AgentTyping struct {
	IsTyping bool `json:"isTyping"`
}

func (AgentTyping) Name() string { return EventAgentTyping }

// AudioTranscribed delivers the transcript for a previously sent voice
// clip. MessageID correlates it to the audio-bearing message when the
// server echoes it; older peers omit it.
type AudioTranscribed struct {
	MessageID     string    `json:"messageId,omitempty"`
	Transcription string    `json:"transcription"`
	Timestamp     time.Time `json:"timestamp"`
}

func (AudioTranscribed) Name() string { return EventAudioTranscribed }

// InterviewCompleted is the terminal completion signal.
type InterviewCompleted struct{}

func (InterviewCompleted) Name() string { return EventCompleted }

// RemoteError is a generic error surfaced by the peer. It does not
// terminate the session.
type RemoteError struct {
	Message string `json:"message"`
}

func (RemoteError) Name() string { return EventError }

// ErrUnknownEvent reports an event name outside the closed protocol set.
type ErrUnknownEvent struct {
	Event string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown protocol event %q", e.Event)
}

// Decode validates and decodes one inbound event payload. Unknown event
// names return *ErrUnknownEvent; malformed or incomplete payloads return
// an error. Callers log and drop both instead of forwarding.
func Decode(event string, data []byte) (Event, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}

	var ev Event
	switch event {
	case EventSessionStarted:
		ev = &SessionStarted{}
	case EventNewMessage:
		ev = &NewMessage{}
	case EventMessageReceived:
		ev = &MessageReceived{}
	case EventAgentTyping:
		ev = &AgentTyping{}
	case EventAudioTranscribed:
		ev = &AudioTranscribed{}
	case EventCompleted:
		ev = &InterviewCompleted{}
	case EventError:
		ev = &RemoteError{}
	default:
		return nil, &ErrUnknownEvent{Event: event}
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", event, err)
	}
	// A session start without its session ID cannot anchor a conversation.
	if started, ok := ev.(*SessionStarted); ok && started.SessionID == "" {
		return nil, fmt.Errorf("%s payload is missing sessionId", event)
	}
	return ev, nil
}

// Encode frames an event into its wire envelope.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Name(), err)
	}
	return json.Marshal(Envelope{Event: ev.Name(), Data: data})
}
