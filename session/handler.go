package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nahuperdomo/entrevista-chat/apperror"
	"github.com/nahuperdomo/entrevista-chat/protocol"
)

// onEvent is the decode boundary: every inbound frame is validated against
// the closed protocol event set. Unrecognized names and malformed payloads
// are logged and dropped, never forwarded untyped.
func (s *Session) onEvent(event string, data json.RawMessage) {
	ev, err := protocol.Decode(event, data)
	if err != nil {
		slog.Warn("Dropping unrecognized event", "event", event, "error", err)
		return
	}

	switch ev := ev.(type) {
	case *protocol.SessionStarted:
		s.handleSessionStarted(ev)
	case *protocol.NewMessage:
		s.handleNewMessage(ev)
	case *protocol.MessageReceived:
		s.handleMessageReceived(ev)
	case *protocol.AgentTyping:
		s.handleAgentTyping(ev)
	case *protocol.AudioTranscribed:
		s.handleAudioTranscribed(ev)
	case *protocol.InterviewCompleted:
		s.handleCompleted()
	case *protocol.RemoteError:
		s.handleRemoteError(ev)
	}
}

func (s *Session) handleSessionStarted(ev *protocol.SessionStarted) {
	s.mu.Lock()
	if s.sessionID != "" {
		// Replay after a reconnect within the same session. History is
		// already authoritative on this side; only live events append.
		s.mu.Unlock()
		slog.Debug("Ignoring repeated session start", "sessionId", ev.SessionID)
		return
	}
	s.sessionID = ev.SessionID
	s.interviewID = ev.InterviewID
	s.history = append([]protocol.Message(nil), ev.ConversationHistory...)
	s.state = StateActive
	started := s.started
	s.mu.Unlock()

	slog.Info("Session started",
		"sessionId", ev.SessionID,
		"interviewId", ev.InterviewID,
		"historyLength", len(ev.ConversationHistory))

	close(started)
	s.notifyState(StateActive)
	s.notifyHistory()
}

func (s *Session) handleNewMessage(ev *protocol.NewMessage) {
	s.mu.Lock()
	s.history = append(s.history, ev.Message)
	s.typing = false
	s.mu.Unlock()

	s.notifyHistory()
	s.notifyTyping(false)
}

// handleMessageReceived merges the server echo of a user message. An echo
// carrying the correlation ID of an optimistically inserted entry updates
// that entry in place; anything else appends. Either way the history never
// holds the same message twice.
func (s *Session) handleMessageReceived(ev *protocol.MessageReceived) {
	s.mu.Lock()
	idx := -1
	if ev.ID != "" {
		idx = s.indexOfLocked(ev.ID)
	}
	if idx >= 0 {
		existing := &s.history[idx]
		existing.Content = ev.Content
		if !ev.Timestamp.IsZero() {
			existing.Timestamp = ev.Timestamp
		}
		if ev.Attachment != nil {
			existing.Attachment = ev.Attachment
		}
		if ev.Audio != nil {
			existing.Audio = ev.Audio
		}
	} else {
		s.history = append(s.history, ev.Message)
	}
	s.mu.Unlock()

	s.notifyHistory()
}

func (s *Session) handleAgentTyping(ev *protocol.AgentTyping) {
	s.mu.Lock()
	s.typing = ev.IsTyping
	s.mu.Unlock()

	s.notifyTyping(ev.IsTyping)
}

// handleAudioTranscribed rewrites the matching audio-bearing user message
// in place: content becomes the transcript and the audio reference is
// cleared. Matching is by correlation ID when the server echoes one, with
// a search from the end of the history as the fallback for peers that do
// not.
func (s *Session) handleAudioTranscribed(ev *protocol.AudioTranscribed) {
	s.mu.Lock()
	idx := -1
	if ev.MessageID != "" {
		idx = s.indexOfLocked(ev.MessageID)
		if idx >= 0 && s.history[idx].Audio == nil {
			idx = -1
		}
	}
	if idx < 0 {
		for i := len(s.history) - 1; i >= 0; i-- {
			if s.history[i].Role == protocol.RoleUser && s.history[i].Audio != nil {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		slog.Warn("No audio message to resolve for transcription")
		return
	}
	s.history[idx].Content = ev.Transcription
	s.history[idx].Audio = nil
	s.mu.Unlock()

	s.notifyHistory()
}

// handleCompleted marks the session terminally completed and issues the
// one fire-and-forget status update to the assignment tracker. Completion
// is a client-observed protocol signal: the side call failing changes
// nothing locally.
func (s *Session) handleCompleted() {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	s.state = StateCompleted
	s.typing = false
	executionID := s.executionID
	s.mu.Unlock()

	slog.Info("Interview completed", "executionId", executionID)

	if s.assignments != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), completionCallWait)
			defer cancel()
			if err := s.assignments.MarkCompleted(ctx, executionID); err != nil {
				slog.Error("Failed to mark assignment completed",
					"executionId", executionID,
					"error", err)
			}
		}()
	}

	s.notifyState(StateCompleted)
	s.notifyTyping(false)
	if s.listeners.OnCompleted != nil {
		s.listeners.OnCompleted()
	}
}

// handleRemoteError surfaces a transient banner and force-clears the
// typing flag: any error means the assistant is no longer about to
// respond. Session state is untouched.
func (s *Session) handleRemoteError(ev *protocol.RemoteError) {
	s.mu.Lock()
	s.typing = false
	s.mu.Unlock()

	s.notifyTyping(false)
	s.notifyError(apperror.New(apperror.CodeProtocol, ev.Message))
}
