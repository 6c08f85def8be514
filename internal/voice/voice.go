// Package voice implements a push-to-talk session: connect, buffer recorded audio, and on
// stop hand the recording to a replier whose answer arrives through a callback.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrAlreadyActive = errors.New("voice session already active")
	ErrNotActive     = errors.New("voice session not active")
	ErrAudioTooLarge = errors.New("voice recording too large")
	ErrClosed        = errors.New("voice session closed")
)

// DefaultMaxAudioBytes caps one recording.
const DefaultMaxAudioBytes = 10 << 20

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateActive
	stateReplying
)

// Replier turns a finished recording into a reply.
type Replier func(ctx context.Context, audio []byte, lang, location string) (string, error)

// ReadyFunc is the connect step; a non-nil error aborts Start and is sent on Errors.
type ReadyFunc func(ctx context.Context) error

type Option func(*Session)

func WithReady(fn ReadyFunc) Option {
	return func(s *Session) { s.ready = fn }
}

// WithResponseHandler sets the callback that receives each final reply.
func WithResponseHandler(fn func(text string)) Option {
	return func(s *Session) { s.onResponse = fn }
}

func WithMaxAudioBytes(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session is safe for concurrent use.
type Session struct {
	reply      Replier
	ready      ReadyFunc
	onResponse func(string)
	maxBytes   int
	logger     *zap.Logger
	errs       chan error

	mu       sync.Mutex
	state    state
	lang     string
	location string
	audio    bytes.Buffer
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

func New(reply Replier, opts ...Option) *Session {
	s := &Session{
		reply:    reply,
		maxBytes: DefaultMaxAudioBytes,
		logger:   zap.NewNop(),
		errs:     make(chan error, 4),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins connecting. The session becomes active once the ready check passes.
func (s *Session) Start(ctx context.Context, lang, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state != stateIdle {
		return ErrAlreadyActive
	}
	s.state = stateConnecting
	s.lang = lang
	s.location = location
	s.audio.Reset()

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.ctx, s.cancel = connCtx, cancel
	s.wg.Add(1)
	go s.connect(connCtx)
	return nil
}

func (s *Session) connect(ctx context.Context) {
	defer s.wg.Done()
	var err error
	if s.ready != nil {
		err = s.ready(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnecting || ctx.Err() != nil {
		// Stopped or closed while connecting.
		return
	}
	if err != nil {
		s.state = stateIdle
		s.cancel()
		s.cancel = nil
		s.logger.Warn("voice session connect failed", zap.Error(err))
		s.emit(fmt.Errorf("connect: %w", err))
		return
	}
	s.state = stateActive
	s.logger.Debug("voice session active", zap.String("language", s.lang))
}

// AppendAudio buffers a recorded chunk.
func (s *Session) AppendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateActive {
		return ErrNotActive
	}
	if s.audio.Len()+len(chunk) > s.maxBytes {
		return ErrAudioTooLarge
	}
	s.audio.Write(chunk)
	return nil
}

// Stop ends the recording. While connecting it just aborts. While active it sends the
// recording to the replier in the background; the reply goes to the response handler and
// failures to Errors.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateConnecting:
		s.state = stateIdle
		s.cancel()
		s.cancel = nil
		return nil
	case stateActive:
	default:
		return ErrNotActive
	}

	s.state = stateReplying
	audio := append([]byte(nil), s.audio.Bytes()...)
	s.audio.Reset()
	s.wg.Add(1)
	// The reply runs on the session context so Close aborts it.
	go s.respond(s.ctx, audio, s.lang, s.location)
	return nil
}

func (s *Session) respond(ctx context.Context, audio []byte, lang, location string) {
	defer s.wg.Done()
	text, err := s.safeReply(ctx, audio, lang, location)

	s.mu.Lock()
	if s.state == stateReplying {
		s.state = stateIdle
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("voice reply failed", zap.Int("audio_bytes", len(audio)), zap.Error(err))
		s.emit(err)
		return
	}
	if s.onResponse != nil {
		s.onResponse(text)
	}
}

func (s *Session) safeReply(ctx context.Context, audio []byte, lang, location string) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("voice reply panicked: %v", p)
		}
	}()
	if s.reply == nil {
		return "", errors.New("no replier configured")
	}
	return s.reply(ctx, audio, lang, location)
}

// emit sends without blocking; errors are dropped when nobody drains the channel.
func (s *Session) emit(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Debug("voice error dropped", zap.Error(err))
	}
}

// Errors delivers connect and reply failures.
func (s *Session) Errors() <-chan error {
	return s.errs
}

func (s *Session) IsConnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnecting
}

// IsActive reports whether audio is being accepted.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateActive
}

// IsReplying reports whether a finished recording is waiting for its reply.
func (s *Session) IsReplying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateReplying
}

// Close aborts any connect or reply in progress and waits for it to return.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.state = stateIdle
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}
