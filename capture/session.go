// Package capture implements the recording session state machine: device
// permission, timed capture with chunk buffering, and finalization of the
// buffered fragments into an immutable clip.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// State identifies where a session is in its lifecycle.
type State string

// Session states. Error is reachable from permission request, recording, and
// uploading; settled and discarded are terminal.
const (
	StateIdle                State = "idle"
	StatePermissionRequested State = "permission_requested"
	StateTopicSelection      State = "topic_selection"
	StateRecording           State = "recording"
	StatePreview             State = "preview"
	StateUploading           State = "uploading"
	StateSettled             State = "settled"
	StateDiscarded           State = "discarded"
	StateError               State = "error"
)

var (
	// ErrPermissionDenied reports that the device adapter refused access.
	// The caller may retry by re-issuing the permission request.
	ErrPermissionDenied = errors.New("capture: device permission denied")

	// ErrDeviceFault reports a device failure mid-capture.
	ErrDeviceFault = errors.New("capture: device fault")

	// ErrTopicRequired reports a start attempt without a topic selection.
	ErrTopicRequired = errors.New("capture: topic selection required")

	// ErrInvalidTransition reports an operation issued in the wrong state.
	ErrInvalidTransition = errors.New("capture: invalid transition")
)

// MaxSessionSeconds is the hard recording ceiling. Reaching it auto-stops
// the session, bounding the chunk buffer.
const MaxSessionSeconds = 3600

// Clip is the immutable media object finalized from the session's buffered
// chunks at stop time. DurationSeconds comes from the session's own clock,
// not from container metadata.
type Clip struct {
	Topic           string
	Facing          Facing
	DurationSeconds int
	Data            []byte
}

// Option customises a session.
type Option func(*Session)

// WithClock sets the time source used for the elapsed counter.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) { s.clock = clock }
}

// WithTickInterval overrides the 1 Hz counter cadence, for tests.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Session) { s.tick = interval }
}

// WithCeiling overrides the auto-stop ceiling, for tests.
func WithCeiling(seconds int) Option {
	return func(s *Session) { s.ceiling = seconds }
}

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// Session drives one capture flow. It exclusively owns the device stream
// while recording; no two sessions may hold the same device concurrently.
type Session struct {
	device  Device
	clock   func() time.Time
	tick    time.Duration
	ceiling int
	log     *slog.Logger

	mu        sync.Mutex
	state     State
	topic     string
	facing    Facing
	stream    Stream
	chunks    [][]byte
	clip      *Clip
	startedAt time.Time
	elapsed   int
	cause     error
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewSession constructs an idle session bound to a device adapter.
func NewSession(device Device, opts ...Option) *Session {
	s := &Session{
		device:  device,
		clock:   time.Now,
		tick:    time.Second,
		ceiling: MaxSessionSeconds,
		facing:  FacingFront,
		state:   StateIdle,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Topic returns the selected topic, if any.
func (s *Session) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// Elapsed returns the current elapsed-seconds counter.
func (s *Session) Elapsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// Cause returns the fault that moved the session into the error state.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// SetFacing switches between front and back camera. Only permitted outside
// active capture.
func (s *Session) SetFacing(facing Facing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRecording {
		return fmt.Errorf("%w: cannot switch camera while recording", ErrInvalidTransition)
	}
	s.facing = facing
	return nil
}

// RequestPermission probes the device adapter. On grant the session moves to
// topic selection; a refusal moves it to the error state with
// ErrPermissionDenied and may be retried. Recovery from the error state
// re-requests the device without losing the selected topic.
func (s *Session) RequestPermission(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StatePermissionRequested, StateError:
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: request permission from %s", ErrInvalidTransition, s.state)
	}
	s.state = StatePermissionRequested
	facing := s.facing
	s.mu.Unlock()

	probe, err := s.device.Open(ctx, facing)
	if err != nil {
		denied := fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		s.mu.Lock()
		s.state = StateError
		s.cause = denied
		s.mu.Unlock()
		return denied
	}
	probe.Close()

	s.mu.Lock()
	s.state = StateTopicSelection
	s.cause = nil
	s.mu.Unlock()
	return nil
}

// SelectTopic stores a non-empty hierarchical topic such as
// "indoor/Household".
func (s *Session) SelectTopic(topic string) error {
	trimmed := strings.TrimSpace(topic)
	if trimmed == "" {
		return ErrTopicRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTopicSelection {
		return fmt.Errorf("%w: select topic from %s", ErrInvalidTransition, s.state)
	}
	s.topic = trimmed
	return nil
}

// Start opens the device stream and begins timed capture. Chunks buffer as
// they arrive; the elapsed counter ticks at 1 Hz and the ceiling auto-stops
// the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateTopicSelection {
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.state)
	}
	if s.topic == "" {
		s.mu.Unlock()
		return ErrTopicRequired
	}
	facing := s.facing
	s.mu.Unlock()

	stream, err := s.device.Open(ctx, facing)
	if err != nil {
		fault := fmt.Errorf("%w: %v", ErrDeviceFault, err)
		s.mu.Lock()
		s.state = StateError
		s.cause = fault
		s.mu.Unlock()
		return fault
	}

	s.mu.Lock()
	s.stream = stream
	s.chunks = nil
	s.clip = nil
	s.elapsed = 0
	s.startedAt = s.clock()
	s.stopCh = make(chan struct{})
	s.state = StateRecording
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(stream, stopCh)
	return nil
}

// pump buffers chunks and drives the elapsed counter until stop, fault, or
// ceiling.
func (s *Session) pump(stream Stream, stopCh chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case chunk, ok := <-stream.Chunks():
			if !ok {
				s.fault(fmt.Errorf("%w: chunk stream closed", ErrDeviceFault))
				return
			}
			s.mu.Lock()
			if s.state == StateRecording {
				s.chunks = append(s.chunks, chunk)
			}
			s.mu.Unlock()
		case <-ticker.C:
			s.mu.Lock()
			if s.state != StateRecording {
				s.mu.Unlock()
				return
			}
			s.elapsed = int(s.clock().Sub(s.startedAt) / time.Second)
			ceilingHit := s.elapsed >= s.ceiling
			s.mu.Unlock()
			if ceilingHit {
				s.log.Warn("recording ceiling reached, auto-stopping",
					slog.Int("ceiling_seconds", s.ceiling))
				s.stop(false)
				return
			}
		}
	}
}

// Stop finalizes capture into a clip and moves to preview. The device stream
// is released synchronously.
func (s *Session) Stop() (*Clip, error) {
	return s.stop(true)
}

func (s *Session) stop(wait bool) (*Clip, error) {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: stop from %s", ErrInvalidTransition, s.state)
	}
	close(s.stopCh)
	s.releaseStreamLocked()
	s.elapsed = int(s.clock().Sub(s.startedAt) / time.Second)
	s.clip = &Clip{
		Topic:           s.topic,
		Facing:          s.facing,
		DurationSeconds: s.elapsed,
		Data:            bytes.Join(s.chunks, nil),
	}
	s.chunks = nil
	s.state = StatePreview
	clip := s.clip
	s.mu.Unlock()

	if wait {
		s.wg.Wait()
	}
	return clip, nil
}

// RecordAgain discards the previewed clip and restarts capture on a fresh
// stream and counter.
func (s *Session) RecordAgain(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePreview {
		s.mu.Unlock()
		return fmt.Errorf("%w: record again from %s", ErrInvalidTransition, s.state)
	}
	s.clip = nil
	s.elapsed = 0
	s.state = StateTopicSelection
	s.mu.Unlock()
	return s.Start(ctx)
}

// BeginUpload hands the finalized clip to the caller and moves the session
// to uploading.
func (s *Session) BeginUpload() (*Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePreview {
		return nil, fmt.Errorf("%w: upload from %s", ErrInvalidTransition, s.state)
	}
	if s.clip == nil {
		return nil, fmt.Errorf("%w: no finalized clip", ErrInvalidTransition)
	}
	s.state = StateUploading
	return s.clip, nil
}

// Settle marks the upload flow complete and clears all session fields.
func (s *Session) Settle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUploading {
		return fmt.Errorf("%w: settle from %s", ErrInvalidTransition, s.state)
	}
	s.state = StateSettled
	s.clearLocked()
	return nil
}

// UploadFailed moves the session to the error state, preserving the topic
// for recovery. The durable recording row, if any, is unaffected.
func (s *Session) UploadFailed(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUploading {
		return fmt.Errorf("%w: upload failure from %s", ErrInvalidTransition, s.state)
	}
	s.state = StateError
	s.cause = cause
	s.clip = nil
	s.chunks = nil
	return nil
}

// Discard abandons the session from any state, releasing the device stream.
func (s *Session) Discard() {
	s.mu.Lock()
	var stopCh chan struct{}
	if s.state == StateRecording {
		stopCh = s.stopCh
		close(stopCh)
	}
	s.releaseStreamLocked()
	s.state = StateDiscarded
	s.clearLocked()
	s.mu.Unlock()

	if stopCh != nil {
		s.wg.Wait()
	}
}

func (s *Session) fault(cause error) {
	s.log.Error("capture fault", slog.String("error", cause.Error()))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return
	}
	close(s.stopCh)
	s.releaseStreamLocked()
	s.state = StateError
	s.cause = cause
	s.chunks = nil
}

func (s *Session) releaseStreamLocked() {
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
}

func (s *Session) clearLocked() {
	s.topic = ""
	s.chunks = nil
	s.clip = nil
	s.elapsed = 0
	s.cause = nil
}
