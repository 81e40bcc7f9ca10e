package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahuperdomo/entrevista-chat/apperror"
	"github.com/nahuperdomo/entrevista-chat/protocol"
	"github.com/nahuperdomo/entrevista-chat/transport"
)

type sentEvent struct {
	Event   string
	Payload any
}

type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	sent         []sentEvent
	anyHandlers  []transport.AnyHandler
	connHandlers []func(bool)
	errHandlers  []func(error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
}

func (f *fakeTransport) Send(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return
	}
	f.sent = append(f.sent, sentEvent{Event: event, Payload: payload})
}

func (f *fakeTransport) OnAny(h transport.AnyHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anyHandlers = append(f.anyHandlers, h)
	return func() {}
}

func (f *fakeTransport) OnConnectionChange(h func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connHandlers = append(f.connHandlers, h)
	return func() {}
}

func (f *fakeTransport) OnError(h func(error)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errHandlers = append(f.errHandlers, h)
	return func() {}
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) emit(t *testing.T, ev protocol.Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]transport.AnyHandler(nil), f.anyHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ev.Name(), data)
	}
}

func (f *fakeTransport) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	handlers := append([]func(bool){}, f.connHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(connected)
	}
}

func (f *fakeTransport) sentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

type fakeReporter struct {
	calls chan string
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{calls: make(chan string, 4)}
}

func (f *fakeReporter) MarkCompleted(_ context.Context, executionID string) error {
	f.calls <- executionID
	return nil
}

func startSession(t *testing.T, ft *fakeTransport, reporter StatusReporter, history ...protocol.Message) *Session {
	t.Helper()
	s := New(ft, reporter, WithJoinTimeout(time.Second))

	joined := make(chan error, 1)
	go func() {
		joined <- s.Join(context.Background(), "exec-1")
	}()

	require.Eventually(t, func() bool {
		return len(ft.sentEvents()) > 0
	}, time.Second, 5*time.Millisecond)

	ft.emit(t, &protocol.SessionStarted{
		SessionID:           "sess-1",
		InterviewID:         "int-1",
		ConversationHistory: history,
	})
	require.NoError(t, <-joined)
	return s
}

func TestJoinHandshake(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, nil, protocol.Message{Role: protocol.RoleAssistant, Content: "Hola"})
	defer s.Close()

	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "sess-1", s.SessionID())
	assert.Equal(t, "int-1", s.InterviewID())
	require.Len(t, s.History(), 1)

	sent := ft.sentEvents()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventJoinInterview, sent[0].Event)
	join := sent[0].Payload.(protocol.JoinInterview)
	assert.Equal(t, "exec-1", join.ExecutionID)
}

func TestJoinTimesOut(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, nil, WithJoinTimeout(30*time.Millisecond))
	defer s.Close()

	err := s.Join(context.Background(), "exec-1")
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeTimeout))
}

func TestJoinRequiresConnection(t *testing.T) {
	ft := newFakeTransport()
	ft.connected = false
	s := New(ft, nil)
	defer s.Close()

	err := s.Join(context.Background(), "exec-1")
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeConnectivity))
}

func TestSendTextWaitsForEcho(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, nil, protocol.Message{Role: protocol.RoleAssistant, Content: "Hola"})
	defer s.Close()

	require.NoError(t, s.SendText("Hola"))

	// No optimistic insert on the plain-text path.
	assert.Len(t, s.History(), 1)

	sent := ft.sentEvents()
	require.Len(t, sent, 2)
	msg := sent[1].Payload.(protocol.SendMessage)
	assert.NotEmpty(t, msg.MessageID)

	ft.emit(t, &protocol.MessageReceived{Message: protocol.Message{
		ID:      msg.MessageID,
		Role:    protocol.RoleUser,
		Content: "Hola",
	}})

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, protocol.RoleUser, history[1].Role)
	assert.Equal(t, "Hola", history[1].Content)
}

func TestSendTextRejectsEmptyMessage(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, nil)
	defer s.Close()

	err := s.SendText("")
	require.Error(t, err)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
	assert.Len(t, ft.sentEvents(), 1) // only the join
}

func TestAttachmentEchoMergesByID(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, nil)
	defer s.Close()

	id, err := s.AppendPlaceholder()
	require.NoError(t, err)
	require.Len(t, s.History(), 1)

	ref := protocol.Attachment{URL: "https://files/f1", Filename: "informe.pdf", MimeType: "application/pdf", SizeBytes: 2 << 20}
	require.NoError(t, s.ResolveAttachment(id, "", ref))

	history := s.History()
	require.Len(t, history, 1)
	assert.Empty(t, history[0].Content)
	require.NotNil(t, history[0].Attachment)
	assert.Equal(t, "informe.pdf", history[0].Attachment.Filename)
	assert.True(t, s.Typing())

	// Server echo for the same message must merge, never duplicate.
	ft.emit(t, &protocol.MessageReceived{Message: protocol.Message{
		ID:         id,
		Role:       protocol.RoleUser,
		Timestamp:  time.Now(),
		Attachment: &ref,
	}})

	history = s.History()
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)
}

func TestRollbackRemovesPlaceholder(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, nil)
	defer s.Close()

	id, err := s.AppendPlaceholder()
	require.NoError(t, err)
	require.Len(t, s.History(), 1)

	s.RemoveMessage(id)
	assert.Empty(t, s.History())

	// Only the join left the client: the failed attempt never announced.
	assert.Len(t, ft.sentEvents(), 1)
}

func TestTranscriptionRewritesAudioMessage(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, nil, protocol.Message{Role: protocol.RoleAssistant, Content: "Cuéntame"})
	defer s.Close()

	id, err := s.AppendPlaceholder()
	require.NoError(t, err)
	ref := protocol.Attachment{URL: "https://files/a1", Filename: "audio.wav", MimeType: "audio/wav", SizeBytes: 1024}
	require.NoError(t, s.ResolveAudio(id, ref, 4.2))

	history := s.History()
	require.Len(t, history, 2)
	require.NotNil(t, history[1].Audio)
	assert.Empty(t, history[1].Content)

	ft.emit(t, &protocol.AudioTranscribed{MessageID: id, Transcription: "mi respuesta hablada"})

	history = s.History()
	require.Len(t, history, 2)
	assert.Equal(t, "mi respuesta hablada", history[1].Content)
	assert.Nil(t, history[1].Audio)
	// Untouched neighbors.
	assert.Equal(t, "Cuéntame", history[0].Content)
}

func TestTranscriptionFallsBackToLatestAudioMessage(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, nil)
	defer s.Close()

	id, err := s.AppendPlaceholder()
	require.NoError(t, err)
	ref := protocol.Attachment{URL: "https://files/a2", Filename: "audio.wav", MimeType: "audio/wav"}
	require.NoError(t, s.ResolveAudio(id, ref, 2.0))

	// Peer does not echo the correlation ID.
	ft.emit(t, &protocol.AudioTranscribed{Transcription: "sin identificador"})

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, "sin identificador", history[0].Content)
	assert.Nil(t, history[0].Audio)
}

func TestCompletionIsTerminalAndOneWay(t *testing.T) {
	ft := newFakeTransport()
	reporter := newFakeReporter()
	s := startSession(t, ft, reporter)
	defer s.Close()

	ft.emit(t, &protocol.InterviewCompleted{})

	assert.True(t, s.IsCompleted())
	assert.Equal(t, StateCompleted, s.State())

	select {
	case executionID := <-reporter.calls:
		assert.Equal(t, "exec-1", executionID)
	case <-time.After(time.Second):
		t.Fatal("status update was never issued")
	}

	// Duplicate completion signals do not repeat the side call.
	ft.emit(t, &protocol.InterviewCompleted{})
	select {
	case <-reporter.calls:
		t.Fatal("status update issued twice")
	case <-time.After(100 * time.Millisecond):
	}

	// Sends are no-ops once completed.
	sentBefore := len(ft.sentEvents())
	err := s.SendText("todavía estoy aquí")
	require.Error(t, err)
	_, err = s.AppendPlaceholder()
	require.Error(t, err)
	assert.Len(t, ft.sentEvents(), sentBefore)
	assert.True(t, s.IsCompleted())
}

func TestSessionStartWithoutIDIsDropped(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, nil, WithJoinTimeout(time.Second))
	defer s.Close()

	joined := make(chan error, 1)
	go func() { joined <- s.Join(context.Background(), "exec-1") }()
	require.Eventually(t, func() bool { return len(ft.sentEvents()) > 0 }, time.Second, 5*time.Millisecond)

	// A start frame with no session ID cannot complete the handshake.
	ft.emit(t, &protocol.SessionStarted{InterviewID: "int-1"})
	select {
	case err := <-joined:
		t.Fatalf("join completed on an invalid start frame: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	ft.emit(t, &protocol.SessionStarted{SessionID: "sess-1", InterviewID: "int-1"})
	require.NoError(t, <-joined)

	// Any mix of malformed and repeated start frames after that leaves the
	// session untouched.
	ft.emit(t, &protocol.SessionStarted{InterviewID: "int-1"})
	ft.emit(t, &protocol.SessionStarted{SessionID: "sess-1"})
	ft.emit(t, &protocol.SessionStarted{InterviewID: "int-1"})

	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "sess-1", s.SessionID())
	assert.Equal(t, "int-1", s.InterviewID())
}

func TestReconnectDoesNotReplayHistory(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, nil,
		protocol.Message{Role: protocol.RoleAssistant, Content: "Hola"},
		protocol.Message{ID: "u-1", Role: protocol.RoleUser, Content: "Buenas"},
	)
	defer s.Close()

	ft.setConnected(false)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Len(t, s.History(), 2) // history retained while disconnected

	ft.setConnected(true)
	assert.Equal(t, StateActive, s.State())

	// A stray replay for the same session must not repopulate anything.
	ft.emit(t, &protocol.SessionStarted{
		SessionID:           "sess-1",
		ConversationHistory: []protocol.Message{{Role: protocol.RoleAssistant, Content: "otra vez"}},
	})
	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, "Hola", history[0].Content)

	// Live delivery resumes.
	ft.emit(t, &protocol.NewMessage{Message: protocol.Message{Role: protocol.RoleAssistant, Content: "Seguimos"}})
	assert.Len(t, s.History(), 3)
}

func TestRemoteErrorClearsTypingAndKeepsState(t *testing.T) {
	ft := newFakeTransport()

	var mu sync.Mutex
	var surfaced []error
	s := New(ft, nil, WithJoinTimeout(time.Second), WithListeners(Listeners{
		OnError: func(err error) {
			mu.Lock()
			surfaced = append(surfaced, err)
			mu.Unlock()
		},
	}))
	defer s.Close()

	joined := make(chan error, 1)
	go func() { joined <- s.Join(context.Background(), "exec-1") }()
	require.Eventually(t, func() bool { return len(ft.sentEvents()) > 0 }, time.Second, 5*time.Millisecond)
	ft.emit(t, &protocol.SessionStarted{SessionID: "sess-1"})
	require.NoError(t, <-joined)

	ft.emit(t, &protocol.AgentTyping{IsTyping: true})
	assert.True(t, s.Typing())

	ft.emit(t, &protocol.RemoteError{Message: "algo falló"})

	assert.False(t, s.Typing())
	assert.Equal(t, StateActive, s.State())
	assert.False(t, s.IsCompleted())

	mu.Lock()
	require.NotEmpty(t, surfaced)
	assert.True(t, apperror.HasCode(surfaced[len(surfaced)-1], apperror.CodeProtocol))
	mu.Unlock()
}

func TestNewMessageClearsTyping(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, nil)
	defer s.Close()

	ft.emit(t, &protocol.AgentTyping{IsTyping: true})
	assert.True(t, s.Typing())

	ft.emit(t, &protocol.NewMessage{Message: protocol.Message{Role: protocol.RoleAssistant, Content: "Respuesta"}})
	assert.False(t, s.Typing())
	assert.Len(t, s.History(), 1)
}

func TestUnknownEventsAreDropped(t *testing.T) {
	ft := newFakeTransport()
	s := startSession(t, ft, nil)
	defer s.Close()

	f := ft
	f.mu.Lock()
	handlers := append([]transport.AnyHandler(nil), f.anyHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h("mystery-event", json.RawMessage(`{"whatever":true}`))
	}

	assert.Empty(t, s.History())
	assert.Equal(t, StateActive, s.State())
}
