// Package session holds server-side UI sessions. A session owns one location query and
// its debounced resolver, the advice/photo/voice actions and the shared result slot.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/agri-assistant/internal/action"
	"github.com/kjstillabower/agri-assistant/internal/advisor"
	"github.com/kjstillabower/agri-assistant/internal/i18n"
	"github.com/kjstillabower/agri-assistant/internal/models"
	"github.com/kjstillabower/agri-assistant/internal/resolver"
	"github.com/kjstillabower/agri-assistant/internal/voice"
)

// ErrWeatherUnavailable is returned when advice is requested without a resolved record.
var ErrWeatherUnavailable = errors.New("weather data not available")

const (
	ActionAdvice = "advice"
	ActionPhoto  = "photo"
	ActionVoice  = "voice"
)

// Advisor is the generative backend used by the actions.
type Advisor interface {
	GenerateCropAdvice(ctx context.Context, lang, location string, weather models.WeatherRecord, soil advisor.SoilCondition) (string, error)
	GeneratePhotoAnalysis(ctx context.Context, imageBase64, lang, location string) (string, error)
	GenerateVoiceReply(ctx context.Context, audio []byte, lang, location string) (string, error)
	Ready(ctx context.Context) error
}

// Deps are shared by every session.
type Deps struct {
	Lookup          resolver.LookupFunc
	Advisor         Advisor
	Catalog         *i18n.Catalog
	ResolverOptions []resolver.Option
	ActionTimeout   time.Duration
	MaxAudioBytes   int
	Logger          *zap.Logger
}

// Snapshot is the polled view of a session.
type Snapshot struct {
	ID              string                `json:"id"`
	Language        string                `json:"language"`
	Query           string                `json:"query"`
	Fetching        bool                  `json:"fetching"`
	Weather         *models.WeatherRecord `json:"weather"`
	AdviceAvailable bool                  `json:"adviceAvailable"`
	Advice          action.Status         `json:"advice"`
	Photo           action.Status         `json:"photo"`
	Voice           action.Status         `json:"voice"`
	VoiceConnecting bool                  `json:"voiceConnecting"`
	VoiceActive     bool                  `json:"voiceActive"`
	Result          *action.Result        `json:"result"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

type voiceOutcome struct {
	text string
	err  error
}

// Session is safe for concurrent use.
type Session struct {
	id      string
	catalog *i18n.Catalog
	advisor Advisor
	logger  *zap.Logger

	resolver *resolver.Resolver
	slot     *action.Slot
	advice   *action.Flow
	photo    *action.Flow
	voiceRun *action.Flow
	voice    *voice.Session

	mu          sync.Mutex
	lang        string
	lastSeen    time.Time
	voiceWaiter chan voiceOutcome

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(id, lang string, deps Deps, now time.Time) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", id))

	s := &Session{
		id:       id,
		catalog:  deps.Catalog,
		advisor:  deps.Advisor,
		logger:   logger,
		slot:     action.NewSlot(),
		lang:     deps.Catalog.Match(lang),
		lastSeen: now,
		done:     make(chan struct{}),
	}
	ropts := append([]resolver.Option{resolver.WithLogger(logger)}, deps.ResolverOptions...)
	s.resolver = resolver.New(deps.Lookup, ropts...)
	s.advice = action.NewFlow(ActionAdvice, s.slot, action.FailureFormatter("advice.error", s.T), deps.ActionTimeout, logger)
	s.photo = action.NewFlow(ActionPhoto, s.slot, action.FailureFormatter("photo.error", s.T), deps.ActionTimeout, logger)
	s.voiceRun = action.NewFlow(ActionVoice, s.slot, action.FailureFormatter("voice.error", s.T), deps.ActionTimeout, logger)
	s.voice = voice.New(deps.Advisor.GenerateVoiceReply,
		voice.WithReady(deps.Advisor.Ready),
		voice.WithResponseHandler(func(text string) { s.deliverVoice(voiceOutcome{text: text}) }),
		voice.WithMaxAudioBytes(deps.MaxAudioBytes),
		voice.WithLogger(logger),
	)

	s.wg.Add(1)
	go s.drainVoiceErrors()
	return s
}

func (s *Session) ID() string { return s.id }

// T translates key into the session's current language.
func (s *Session) T(key string) string {
	return s.catalog.Translator(s.Language()).T(key)
}

func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lang
}

// SetLanguage switches the UI language and returns the matched code.
func (s *Session) SetLanguage(code string) string {
	matched := s.catalog.Match(code)
	s.mu.Lock()
	s.lang = matched
	s.mu.Unlock()
	return matched
}

// SetLocation feeds a new query value to the resolver.
func (s *Session) SetLocation(query string) {
	s.resolver.OnQueryChange(query)
}

// AdviceAvailable reports whether a weather record is published and no lookup is pending.
func (s *Session) AdviceAvailable() bool {
	st := s.resolver.State()
	return st.Weather != nil && !st.Fetching
}

// RequestAdvice starts the advice action for the current weather record.
func (s *Session) RequestAdvice(ctx context.Context, soil advisor.SoilCondition) error {
	st := s.resolver.State()
	if st.Weather == nil || st.Fetching {
		return ErrWeatherUnavailable
	}
	weather := *st.Weather
	location := strings.TrimSpace(st.Query)
	lang := s.Language()
	return s.advice.Start(ctx, func(ctx context.Context) (string, error) {
		return s.advisor.GenerateCropAdvice(ctx, lang, location, weather, soil)
	})
}

// AnalyzePhoto starts the photo action.
func (s *Session) AnalyzePhoto(ctx context.Context, imageBase64 string) error {
	location := strings.TrimSpace(s.resolver.State().Query)
	lang := s.Language()
	return s.photo.Start(ctx, func(ctx context.Context) (string, error) {
		return s.advisor.GeneratePhotoAnalysis(ctx, imageBase64, lang, location)
	})
}

// StartVoice opens the voice session. It is rejected while a previous reply is loading.
func (s *Session) StartVoice(ctx context.Context) error {
	if s.voiceRun.Loading() {
		return action.ErrBusy
	}
	return s.voice.Start(ctx, s.Language(), strings.TrimSpace(s.resolver.State().Query))
}

func (s *Session) AppendVoiceAudio(chunk []byte) error {
	return s.voice.AppendAudio(chunk)
}

// StopVoice ends the recording; the voice action stays loading until the reply arrives.
func (s *Session) StopVoice(ctx context.Context) error {
	if !s.voice.IsActive() {
		// Aborting a connect attempt publishes nothing.
		return s.voice.Stop()
	}
	outcome := make(chan voiceOutcome, 1)
	err := s.voiceRun.Start(ctx, func(ctx context.Context) (string, error) {
		select {
		case o := <-outcome:
			return o.text, o.err
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.done:
			return "", voice.ErrClosed
		}
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.voiceWaiter = outcome
	s.mu.Unlock()
	if err := s.voice.Stop(); err != nil {
		s.deliverVoice(voiceOutcome{err: err})
		return err
	}
	return nil
}

// deliverVoice hands a reply or failure to the waiting voice action, or straight to the slot
// when nothing is waiting (connect failures).
func (s *Session) deliverVoice(o voiceOutcome) {
	s.mu.Lock()
	waiter := s.voiceWaiter
	s.voiceWaiter = nil
	s.mu.Unlock()
	if waiter != nil {
		waiter <- o
		return
	}
	if o.err != nil {
		s.slot.Publish(action.Result{
			Source: ActionVoice,
			Text:   action.FailureFormatter("voice.error", s.T)(o.err),
			Failed: true,
		})
	}
}

func (s *Session) drainVoiceErrors() {
	defer s.wg.Done()
	for {
		select {
		case err := <-s.voice.Errors():
			s.deliverVoice(voiceOutcome{err: err})
		case <-s.done:
			return
		}
	}
}

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot {
	st := s.resolver.State()
	snap := Snapshot{
		ID:              s.id,
		Language:        s.Language(),
		Query:           st.Query,
		Fetching:        st.Fetching,
		Weather:         st.Weather,
		AdviceAvailable: st.Weather != nil && !st.Fetching,
		Advice:          s.advice.Status(),
		Photo:           s.photo.Status(),
		Voice:           s.voiceRun.Status(),
		VoiceConnecting: s.voice.IsConnecting(),
		VoiceActive:     s.voice.IsActive(),
		UpdatedAt:       s.LastSeen(),
	}
	if r, ok := s.slot.Current(); ok {
		snap.Result = &r
	}
	return snap
}

// LastError is the last resolver lookup failure, kept for diagnostics only.
func (s *Session) LastError() error {
	return s.resolver.LastError()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Wait blocks until no resolver lookup or action run is in flight.
func (s *Session) Wait() {
	s.resolver.Wait()
	s.advice.Wait()
	s.photo.Wait()
	s.voiceRun.Wait()
}

// Close releases the resolver and voice session. Running actions finish on their own.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.resolver.Close()
		s.voice.Close()
		s.wg.Wait()
	})
	s.Wait()
}
