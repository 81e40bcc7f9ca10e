// Package upload makes local artifacts durable and referenceable before
// they travel through the conversation protocol. The pipeline is
// two-phase: a request/response multipart call produces the remote
// reference, then the session announces the message carrying it.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/nahuperdomo/entrevista-chat/apperror"
	"github.com/nahuperdomo/entrevista-chat/protocol"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRetries = 2
	defaultBackoff = time.Second
)

// Conversation is the slice of the session the pipeline drives. Satisfied
// by *session.Session.
type Conversation interface {
	SessionID() string
	AppendPlaceholder() (string, error)
	ResolveAttachment(id, text string, ref protocol.Attachment) error
	ResolveAudio(id string, ref protocol.Attachment, durationSeconds float64) error
	RemoveMessage(id string)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeout bounds each upload attempt.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithRetries sets the bounded retry policy for retryable failures.
func WithRetries(retries int, backoff time.Duration) Option {
	return func(p *Pipeline) {
		p.retries = retries
		p.backoff = backoff
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.client = c }
}

// Pipeline uploads one artifact at a time for a session. The single
// pending slot is the only mutual exclusion in the chat core: a second
// initiation while one upload is in flight is rejected.
type Pipeline struct {
	url        string
	credential string
	client     *http.Client
	timeout    time.Duration
	retries    int
	backoff    time.Duration
	conv       Conversation

	mu       sync.Mutex
	inFlight bool
}

// New creates a pipeline posting to the given upload endpoint on behalf of
// the conversation.
func New(url, credential string, conv Conversation, opts ...Option) *Pipeline {
	p := &Pipeline{
		url:        url,
		credential: credential,
		client:     http.DefaultClient,
		timeout:    defaultTimeout,
		retries:    defaultRetries,
		backoff:    defaultBackoff,
		conv:       conv,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InFlight reports whether an upload currently holds the pending slot.
// UI-level initiation controls disable while this is true.
func (p *Pipeline) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// SendFile uploads a selected file and announces it with the accompanying
// text (which may be empty).
func (p *Pipeline) SendFile(ctx context.Context, art Artifact, text string) error {
	return p.send(ctx, art, text, false)
}

// SendAudio uploads a recorded clip. The resulting message stays
// audio-bearing until the server-side transcription rewrites it.
func (p *Pipeline) SendAudio(ctx context.Context, art Artifact) error {
	return p.send(ctx, art, "", true)
}

func (p *Pipeline) send(ctx context.Context, art Artifact, text string, audio bool) error {
	// Validation failures never consume the pending slot.
	if art.SizeBytes() > MaxArtifactSize {
		return apperror.Newf(apperror.CodeValidation,
			"El archivo es demasiado grande. Máximo 20MB.")
	}
	sessionID := p.conv.SessionID()
	if sessionID == "" {
		return apperror.New(apperror.CodeValidation, "no live session for upload")
	}

	if !p.acquire() {
		return apperror.New(apperror.CodeValidation, "an upload is already in progress")
	}
	defer p.release()

	placeholderID, err := p.conv.AppendPlaceholder()
	if err != nil {
		return err
	}

	ref, err := p.upload(ctx, art, sessionID, text)
	if err != nil {
		// Roll back the optimistic insert so the user can retry cleanly.
		p.conv.RemoveMessage(placeholderID)
		return err
	}

	if audio {
		return p.conv.ResolveAudio(placeholderID, ref, art.DurationSeconds)
	}
	return p.conv.ResolveAttachment(placeholderID, text, ref)
}

func (p *Pipeline) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight {
		return false
	}
	p.inFlight = true
	return true
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}

// upload runs the durable storage phase under an explicit per-attempt
// deadline with bounded, linearly backed-off retries. Server rejections
// (4xx) are terminal; network failures, timeouts and 5xx retry.
func (p *Pipeline) upload(ctx context.Context, art Artifact, sessionID, text string) (protocol.Attachment, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * p.backoff):
			case <-ctx.Done():
				return protocol.Attachment{}, apperror.Wrap(apperror.CodeTimeout, "upload cancelled", ctx.Err())
			}
			slog.Info("Retrying upload",
				"attempt", attempt,
				"maxRetries", p.retries,
				"filename", art.Filename)
		}

		ref, retryable, err := p.attempt(ctx, art, sessionID, text)
		if err == nil {
			return ref, nil
		}
		if !retryable {
			return protocol.Attachment{}, err
		}
		lastErr = err
	}
	return protocol.Attachment{}, lastErr
}

func (p *Pipeline) attempt(ctx context.Context, art Artifact, sessionID, text string) (protocol.Attachment, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", art.Filename)
	if err != nil {
		return protocol.Attachment{}, false, apperror.Wrap(apperror.CodeUpload, "failed to build upload request", err)
	}
	if _, err := part.Write(art.Data); err != nil {
		return protocol.Attachment{}, false, apperror.Wrap(apperror.CodeUpload, "failed to build upload request", err)
	}
	writer.WriteField("sessionId", sessionID)
	if text != "" {
		writer.WriteField("content", text)
	}
	if err := writer.Close(); err != nil {
		return protocol.Attachment{}, false, apperror.Wrap(apperror.CodeUpload, "failed to build upload request", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, p.url, body)
	if err != nil {
		return protocol.Attachment{}, false, apperror.Wrap(apperror.CodeUpload, "failed to build upload request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.credential)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() != nil {
			return protocol.Attachment{}, true, apperror.Wrap(apperror.CodeTimeout, "upload timed out", err)
		}
		return protocol.Attachment{}, true, apperror.Wrap(apperror.CodeUpload, "upload request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ref protocol.Attachment
		if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
			return protocol.Attachment{}, false, apperror.Wrap(apperror.CodeUpload, "malformed upload response", err)
		}
		slog.Info("Artifact uploaded",
			"filename", ref.Filename,
			"size", ref.SizeBytes,
			"sessionId", sessionID)
		return ref, false, nil
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return protocol.Attachment{}, true,
			apperror.Newf(apperror.CodeUpload, "upload failed with status %d", resp.StatusCode)
	default:
		io.Copy(io.Discard, resp.Body)
		return protocol.Attachment{}, false,
			apperror.New(apperror.CodeUpload, fmt.Sprintf("upload rejected with status %d", resp.StatusCode))
	}
}
