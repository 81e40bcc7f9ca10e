// Package recorder produces one bounded audio clip per recording session
// from a live input device. Device access acquired in Start is released on
// every exit path: stop, discard, teardown and error.
package recorder

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/youpy/go-wav"

	"github.com/nahuperdomo/entrevista-chat/apperror"
)

const (
	sampleRate    = 44100
	channels      = 1
	bitsPerSample = 16

	// maxClipSize matches the upload pipeline's artifact ceiling. The
	// recording duration itself is unbounded; only the final size is.
	maxClipSize = 20 << 20
)

// ErrClipTooLarge is the user-facing message for an oversized recording.
const ErrClipTooLarge = "La grabación es demasiado larga. Máximo 20MB."

// State is the capture lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateCaptured
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateCaptured:
		return "captured"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// DeviceSource supplies a live input stream. The core only consumes
// start/stop-all-tracks semantics, so tests can substitute a fake device.
type DeviceSource interface {
	// Start begins delivering sample chunks to onSamples until Stop.
	Start(onSamples func(chunk []int16)) error
	// Stop releases the underlying stream and all device resources.
	Stop() error
}

// Clip is the immutable artifact of one finished recording.
type Clip struct {
	Filename        string
	MimeType        string
	Data            []byte
	DurationSeconds float64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithTickListener reports elapsed recording time at 1-second granularity.
func WithTickListener(fn func(elapsedSeconds int)) Option {
	return func(r *Recorder) { r.onTick = fn }
}

// Recorder owns the device stream for the duration of one recording.
type Recorder struct {
	source DeviceSource
	onTick func(elapsedSeconds int)

	mu        sync.Mutex
	state     State
	samples   []int16
	startedAt time.Time
	clip      *Clip
	lastErr   error
	tickStop  chan struct{}
}

// New creates an idle recorder over the given device source.
func New(source DeviceSource, opts ...Option) *Recorder {
	r := &Recorder{source: source, state: StateIdle}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the capture state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that moved the recorder into StateErrored.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// HasRecording reports whether a captured clip is ready for preview/send.
func (r *Recorder) HasRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateCaptured
}

// Elapsed returns whole seconds recorded so far.
func (r *Recorder) Elapsed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return 0
	}
	return int(time.Since(r.startedAt) / time.Second)
}

// Start requests device access and begins capturing. Permission denial or
// a device failure moves the recorder to a terminal error display that
// requires explicit dismissal, not back to idle.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return apperror.Newf(apperror.CodeValidation, "cannot start recording while %s", r.state)
	}
	r.samples = r.samples[:0]
	r.mu.Unlock()

	if err := r.source.Start(r.onChunk); err != nil {
		r.source.Stop()
		wrapped := apperror.Wrap(apperror.CodeConfig, "no se pudo acceder al micrófono", err)
		r.mu.Lock()
		r.state = StateErrored
		r.lastErr = wrapped
		r.mu.Unlock()
		return wrapped
	}

	r.mu.Lock()
	r.state = StateRecording
	r.startedAt = time.Now()
	stop := make(chan struct{})
	r.tickStop = stop
	r.mu.Unlock()

	if r.onTick != nil {
		go r.tick(stop)
	}

	slog.Debug("Recording started")
	return nil
}

func (r *Recorder) onChunk(chunk []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return
	}
	r.samples = append(r.samples, chunk...)
}

func (r *Recorder) tick(stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.onTick(r.Elapsed())
		}
	}
}

// Stop finalizes the artifact. The device stream is released regardless of
// outcome. A clip exceeding the size ceiling is discarded immediately: no
// captured state, only the error.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return apperror.New(apperror.CodeValidation, "not recording")
	}
	r.stopTickLocked()
	samples := r.samples
	elapsed := time.Since(r.startedAt)
	r.mu.Unlock()

	if err := r.source.Stop(); err != nil {
		slog.Error("Failed to release device stream", "error", err)
	}

	if size := wavSize(len(samples)); size > maxClipSize {
		r.mu.Lock()
		r.state = StateIdle
		r.samples = nil
		r.mu.Unlock()
		slog.Warn("Recording discarded, exceeds size limit",
			"sizeBytes", size,
			"durationSeconds", elapsed.Seconds())
		return apperror.New(apperror.CodeValidation, ErrClipTooLarge)
	}

	data, err := encodeWAV(samples)
	if err != nil {
		r.mu.Lock()
		r.state = StateIdle
		r.samples = nil
		r.mu.Unlock()
		return apperror.Wrap(apperror.CodeValidation, "no se pudo generar la grabación", err)
	}

	clip := &Clip{
		Filename:        fmt.Sprintf("audio_%s.wav", time.Now().Format("150405")),
		MimeType:        "audio/wav",
		Data:            data,
		DurationSeconds: float64(len(samples)) / sampleRate,
	}

	r.mu.Lock()
	r.state = StateCaptured
	r.clip = clip
	r.samples = nil
	r.mu.Unlock()

	slog.Info("Recording captured",
		"sizeBytes", len(data),
		"durationSeconds", clip.DurationSeconds)
	return nil
}

// Take hands the captured clip off for upload and returns to idle.
func (r *Recorder) Take() (*Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCaptured || r.clip == nil {
		return nil, apperror.New(apperror.CodeValidation, "no captured recording")
	}
	clip := r.clip
	r.clip = nil
	r.state = StateIdle
	return clip, nil
}

// Discard releases the captured clip without sending it.
func (r *Recorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCaptured {
		return
	}
	r.clip = nil
	r.state = StateIdle
}

// Dismiss acknowledges the error display and returns to idle.
func (r *Recorder) Dismiss() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateErrored {
		return
	}
	r.lastErr = nil
	r.state = StateIdle
}

// Close tears the recorder down, releasing the device stream if a
// recording is still running.
func (r *Recorder) Close() {
	r.mu.Lock()
	wasRecording := r.state == StateRecording
	if wasRecording {
		r.stopTickLocked()
	}
	r.state = StateIdle
	r.samples = nil
	r.clip = nil
	r.mu.Unlock()

	if wasRecording {
		if err := r.source.Stop(); err != nil {
			slog.Error("Failed to release device stream on teardown", "error", err)
		}
	}
}

func (r *Recorder) stopTickLocked() {
	if r.tickStop != nil {
		close(r.tickStop)
		r.tickStop = nil
	}
}

// wavSize is the encoded size of a mono 16-bit clip: 44 header bytes plus
// two bytes per sample.
func wavSize(numSamples int) int {
	return 44 + numSamples*2
}

func encodeWAV(samples []int16) ([]byte, error) {
	var buf bytes.Buffer
	writer := wav.NewWriter(&buf, uint32(len(samples)), channels, sampleRate, bitsPerSample)

	out := make([]wav.Sample, len(samples))
	for i, s := range samples {
		out[i].Values[0] = int(s)
	}
	if err := writer.WriteSamples(out); err != nil {
		return nil, fmt.Errorf("failed to encode WAV samples: %w", err)
	}
	return buf.Bytes(), nil
}
