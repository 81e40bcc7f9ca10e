// Package session turns the generic event relay into the interview
// conversation protocol. It owns the conversation history and is its
// single writer; the transport only delivers events for it to interpret.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nahuperdomo/entrevista-chat/apperror"
	"github.com/nahuperdomo/entrevista-chat/protocol"
	"github.com/nahuperdomo/entrevista-chat/transport"
)

// State is the session-level lifecycle state.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateCompleted
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Placeholder content shown while an attachment upload is in flight.
const placeholderContent = "Adjuntando…"

const (
	defaultJoinTimeout = 15 * time.Second
	completionCallWait = 10 * time.Second
)

// Transport is the connection surface the session consumes. Satisfied by
// *transport.Manager.
type Transport interface {
	Send(event string, payload any)
	OnAny(handler transport.AnyHandler) func()
	OnConnectionChange(handler func(connected bool)) func()
	OnError(handler func(err error)) func()
	IsConnected() bool
}

// StatusReporter marks the external assignment record once the interview
// completes. The call is fire-and-forget; failures are logged only.
type StatusReporter interface {
	MarkCompleted(ctx context.Context, executionID string) error
}

// Listeners are the UI-facing callbacks. All are optional and are invoked
// outside the session lock.
type Listeners struct {
	OnHistoryChanged func()
	OnTypingChanged  func(typing bool)
	OnStateChanged   func(state State)
	OnCompleted      func()
	OnError          func(err error)
}

// Option configures a Session.
type Option func(*Session)

// WithJoinTimeout bounds the wait for the session-started replay.
func WithJoinTimeout(d time.Duration) Option {
	return func(s *Session) { s.joinTimeout = d }
}

// WithListeners installs the UI callbacks.
func WithListeners(l Listeners) Option {
	return func(s *Session) { s.listeners = l }
}

// Session is the authoritative client-side view of one interview
// conversation.
type Session struct {
	transport   Transport
	assignments StatusReporter
	listeners   Listeners
	joinTimeout time.Duration

	mu          sync.Mutex
	state       State
	sessionID   string
	interviewID string
	executionID string
	history     []protocol.Message
	typing      bool
	completed   bool
	started     chan struct{}

	unsubs []func()
}

// New wires a session onto an owned transport. The transport is passed in,
// not shared: one session per connection lifetime.
func New(t Transport, assignments StatusReporter, opts ...Option) *Session {
	s := &Session{
		transport:   t,
		assignments: assignments,
		joinTimeout: defaultJoinTimeout,
		state:       StateIdle,
		started:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.unsubs = append(s.unsubs,
		t.OnAny(s.onEvent),
		t.OnConnectionChange(s.onConnectionChange),
		t.OnError(s.onTransportError),
	)
	return s
}

// Close detaches the session from its transport. History is retained for
// any final render.
func (s *Session) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// Join requests a session for the given interview execution and waits for
// the history replay under the join deadline. Employee identity travels
// implicitly in the connection's credential, never as an explicit field.
func (s *Session) Join(ctx context.Context, executionID string) error {
	if executionID == "" {
		return apperror.New(apperror.CodeValidation, "execution id is required")
	}
	if !s.transport.IsConnected() {
		return apperror.New(apperror.CodeConnectivity, "not connected to session server")
	}

	s.mu.Lock()
	s.executionID = executionID
	s.state = StateJoining
	started := s.started
	s.mu.Unlock()
	s.notifyState(StateJoining)

	s.transport.Send(protocol.EventJoinInterview, protocol.JoinInterview{ExecutionID: executionID})

	timer := time.NewTimer(s.joinTimeout)
	defer timer.Stop()
	select {
	case <-started:
		return nil
	case <-ctx.Done():
		return apperror.Wrap(apperror.CodeConnectivity, "join cancelled", ctx.Err())
	case <-timer.C:
		return apperror.New(apperror.CodeTimeout, "timed out waiting for session start")
	}
}

// SendText publishes a plain text user message. There is no optimistic
// insert on this path: the server echo renders the message, confirming the
// round trip.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return apperror.New(apperror.CodeValidation, "interview is already completed")
	}
	s.mu.Unlock()

	if text == "" {
		return apperror.New(apperror.CodeValidation, "message is empty")
	}
	if !s.transport.IsConnected() {
		return apperror.New(apperror.CodeConnectivity, "not connected to session server")
	}

	s.transport.Send(protocol.EventSendMessage, protocol.SendMessage{
		MessageID: uuid.NewString(),
		Content:   text,
	})
	return nil
}

// AppendPlaceholder optimistically inserts the user message that an
// in-flight upload will resolve, so the UI can show progress. Returns the
// correlation ID used later to resolve or roll back.
func (s *Session) AppendPlaceholder() (string, error) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return "", apperror.New(apperror.CodeValidation, "interview is already completed")
	}
	id := uuid.NewString()
	s.history = append(s.history, protocol.Message{
		ID:        id,
		Role:      protocol.RoleUser,
		Content:   placeholderContent,
		Timestamp: time.Now(),
	})
	s.mu.Unlock()

	s.notifyHistory()
	return id, nil
}

// ResolveAttachment replaces the placeholder with the durable attachment
// reference, announces the message over the protocol and flips the typing
// indicator on: the agent is expected to react to the new attachment.
func (s *Session) ResolveAttachment(id, text string, ref protocol.Attachment) error {
	return s.resolve(id, text, &ref, nil)
}

// ResolveAudio replaces the placeholder with an uploaded voice clip. The
// message stays audio-bearing until its transcription arrives.
func (s *Session) ResolveAudio(id string, ref protocol.Attachment, durationSeconds float64) error {
	audio := &protocol.Audio{URL: ref.URL, DurationSeconds: durationSeconds}
	return s.resolve(id, "", &ref, audio)
}

func (s *Session) resolve(id, text string, ref *protocol.Attachment, audio *protocol.Audio) error {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return apperror.New(apperror.CodeValidation, "interview is already completed")
	}
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return apperror.Newf(apperror.CodeValidation, "no pending message %s", id)
	}
	s.history[idx].Content = text
	if audio != nil {
		s.history[idx].Audio = audio
		s.history[idx].Attachment = nil
	} else {
		s.history[idx].Attachment = ref
		s.history[idx].Audio = nil
	}
	s.typing = true
	s.mu.Unlock()

	s.transport.Send(protocol.EventSendMessage, protocol.SendMessage{
		MessageID:  id,
		Content:    text,
		Attachment: ref,
	})

	s.notifyHistory()
	s.notifyTyping(true)
	return nil
}

// RemoveMessage rolls back an optimistic insert after a failed upload,
// returning the history to its pre-upload state.
func (s *Session) RemoveMessage(id string) {
	s.mu.Lock()
	idx := s.indexOfLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.history = append(s.history[:idx], s.history[idx+1:]...)
	s.mu.Unlock()

	s.notifyHistory()
}

func (s *Session) indexOfLocked(id string) int {
	for i := range s.history {
		if s.history[i].ID == id {
			return i
		}
	}
	return -1
}

// SessionID returns the server-issued identifier, empty before the join
// handshake completes.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// InterviewID returns the interview template reference for this session.
func (s *Session) InterviewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interviewID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsCompleted reports the monotonic completion flag.
func (s *Session) IsCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Typing reports whether the assistant is currently typing.
func (s *Session) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// History returns a copy of the conversation history.
func (s *Session) History() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) notifyHistory() {
	if s.listeners.OnHistoryChanged != nil {
		s.listeners.OnHistoryChanged()
	}
}

func (s *Session) notifyTyping(typing bool) {
	if s.listeners.OnTypingChanged != nil {
		s.listeners.OnTypingChanged(typing)
	}
}

func (s *Session) notifyState(state State) {
	if s.listeners.OnStateChanged != nil {
		s.listeners.OnStateChanged(state)
	}
}

func (s *Session) notifyError(err error) {
	if s.listeners.OnError != nil {
		s.listeners.OnError(err)
	}
}

func (s *Session) onConnectionChange(connected bool) {
	s.mu.Lock()
	var next State
	switch {
	case s.completed:
		s.mu.Unlock()
		return
	case !connected:
		next = StateDisconnected
	case s.sessionID != "":
		// Reconnected within the same session: live delivery resumes,
		// history is retained and never re-replayed.
		next = StateActive
	default:
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.notifyState(next)
}

func (s *Session) onTransportError(err error) {
	slog.Warn("Transport error", "error", err)
	s.notifyError(err)
}
