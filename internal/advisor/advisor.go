// Package advisor calls the generative AI backend for the three assistant operations:
// crop advice, plant photo analysis and spoken replies.
package advisor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/kjstillabower/agri-assistant/internal/health"
	"github.com/kjstillabower/agri-assistant/internal/models"
	"github.com/kjstillabower/agri-assistant/internal/observability"
)

var (
	ErrEmptyResponse        = errors.New("model returned no text")
	ErrInvalidImage         = errors.New("image is not valid base64")
	ErrUnsupportedImage     = errors.New("unsupported image type")
	ErrUnsupportedAudio     = errors.New("unsupported audio type")
	ErrEmptyAudio           = errors.New("no audio recorded")
	ErrInvalidSoilCondition = errors.New("soil condition must be good or low")
	ErrUnavailable          = errors.New("assistant temporarily unavailable")
)

const (
	OpAdvice = "advice"
	OpPhoto  = "photo"
	OpVoice  = "voice"
)

// SoilCondition is the farmer's assessment of soil fertility.
type SoilCondition string

const (
	SoilGood SoilCondition = "good"
	SoilLow  SoilCondition = "low"
)

func ParseSoilCondition(s string) (SoilCondition, error) {
	switch SoilCondition(strings.ToLower(strings.TrimSpace(s))) {
	case SoilGood:
		return SoilGood, nil
	case SoilLow:
		return SoilLow, nil
	}
	return "", ErrInvalidSoilCondition
}

func (s SoilCondition) describe() string {
	if s == SoilLow {
		return "low (poor fertility, needs amendment)"
	}
	return "good"
}

// DefaultMaxImageBytes caps decoded photo uploads when Config.MaxImageBytes is unset.
const DefaultMaxImageBytes = 8 << 20

// contentGenerator is the subset of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config for GenAIAdvisor.
type Config struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
	Timeout         time.Duration
	MaxImageBytes   int // decoded photo size limit

	BreakerFailures uint32        // consecutive failures that open the breaker
	BreakerTimeout  time.Duration // open -> half-open
}

// GenAIAdvisor implements the assistant operations over the Gemini API.
type GenAIAdvisor struct {
	models   contentGenerator
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	outcomes *health.Tracker
	logger   *zap.Logger
}

// NewGenAIAdvisor creates a Gemini-backed advisor.
func NewGenAIAdvisor(ctx context.Context, cfg Config, outcomes *health.Tracker, logger *zap.Logger) (*GenAIAdvisor, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("genai api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newAdvisor(client.Models, cfg, outcomes, logger), nil
}

func newAdvisor(gen contentGenerator, cfg Config, outcomes *health.Tracker, logger *zap.Logger) *GenAIAdvisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	a := &GenAIAdvisor{models: gen, cfg: cfg, outcomes: outcomes, logger: logger}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        health.ComponentAI,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isCallerFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.RecordCircuitBreakerTransition(name, from.String(), to.String(), breakerGauge(to))
			logger.Warn("circuit breaker state change",
				zap.String("component", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return a
}

// breakerGauge maps gobreaker states onto the circuitBreakerState gauge values.
func breakerGauge(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	}
	return 0
}

// isCallerFault reports errors that say nothing about backend health.
func isCallerFault(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrInvalidImage) ||
		errors.Is(err, ErrUnsupportedImage) ||
		errors.Is(err, ErrUnsupportedAudio) ||
		errors.Is(err, ErrEmptyAudio)
}

// GenerateCropAdvice recommends crops for the location's weather and soil.
func (a *GenAIAdvisor) GenerateCropAdvice(ctx context.Context, lang, location string, weather models.WeatherRecord, soil SoilCondition) (string, error) {
	if soil != SoilGood && soil != SoilLow {
		return "", ErrInvalidSoilCondition
	}
	parts := []*genai.Part{genai.NewPartFromText(advicePrompt(lang, location, weather, soil))}
	return a.generate(ctx, OpAdvice, parts)
}

// GeneratePhotoAnalysis diagnoses a plant photo. imageBase64 may be a data URL; the MIME type
// is taken from the image bytes, not the URL prefix.
func (a *GenAIAdvisor) GeneratePhotoAnalysis(ctx context.Context, imageBase64, lang, location string) (string, error) {
	data, err := decodeImage(imageBase64, a.cfg.MaxImageBytes)
	if err != nil {
		return "", err
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, mt.String())
	}
	parts := []*genai.Part{
		{InlineData: &genai.Blob{MIMEType: mt.String(), Data: data}},
		genai.NewPartFromText(photoPrompt(lang, location)),
	}
	return a.generate(ctx, OpPhoto, parts)
}

// GenerateVoiceReply answers a recorded spoken question.
func (a *GenAIAdvisor) GenerateVoiceReply(ctx context.Context, audio []byte, lang, location string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	mimeType, err := audioMIMEType(audio)
	if err != nil {
		return "", err
	}
	parts := []*genai.Part{
		{InlineData: &genai.Blob{MIMEType: mimeType, Data: audio}},
		genai.NewPartFromText(voicePrompt(lang, location)),
	}
	return a.generate(ctx, OpVoice, parts)
}

func (a *GenAIAdvisor) generate(ctx context.Context, op string, parts []*genai.Part) (string, error) {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}
	logger := observability.LoggerFromContext(ctx, a.logger)
	start := time.Now()

	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Temperature:       genai.Ptr(a.cfg.Temperature),
	}
	if a.cfg.MaxOutputTokens > 0 {
		config.MaxOutputTokens = a.cfg.MaxOutputTokens
	}

	out, err := a.breaker.Execute(func() (interface{}, error) {
		resp, err := a.models.GenerateContent(ctx, a.cfg.Model, contents, config)
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(resp.Text())
		if text == "" {
			return "", ErrEmptyResponse
		}
		return text, nil
	})

	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "circuit_open"
			err = ErrUnavailable
		}
	}
	observability.AICallsTotal.WithLabelValues(op, status).Inc()
	observability.AIDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if a.outcomes != nil && status != "circuit_open" && !isCallerFault(err) {
		a.outcomes.Record(health.ComponentAI, err)
	}

	if err != nil {
		logger.Warn("generative ai call failed",
			zap.String("operation", op),
			zap.String("model", a.cfg.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return "", err
	}
	logger.Debug("generative ai call done",
		zap.String("operation", op),
		zap.Duration("duration", time.Since(start)),
	)
	return out.(string), nil
}

// decodeImage accepts raw base64 or a data URL ("data:image/png;base64,...") of at most
// limit decoded bytes.
func decodeImage(s string, limit int) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 {
			return nil, ErrInvalidImage
		}
		s = s[idx+1:]
	}
	if s == "" {
		return nil, ErrInvalidImage
	}
	if base64.StdEncoding.DecodedLen(len(s)) > limit {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidImage, limit)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, ErrInvalidImage
		}
	}
	return data, nil
}

// audioMIMEType sniffs recorded audio. Browsers record WebM/Ogg containers that
// sniff as video/webm or application/ogg.
func audioMIMEType(audio []byte) (string, error) {
	mt := mimetype.Detect(audio)
	switch {
	case mt.Is("video/webm"):
		return "audio/webm", nil
	case mt.Is("application/ogg"):
		return "audio/ogg", nil
	case strings.HasPrefix(mt.String(), "audio/"):
		return mt.String(), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedAudio, mt.String())
}

// Ready reports ErrUnavailable while the breaker is open. Voice sessions call it when connecting.
func (a *GenAIAdvisor) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.breaker.State() == gobreaker.StateOpen {
		return ErrUnavailable
	}
	return nil
}
