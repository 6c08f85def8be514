package advisor

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/kjstillabower/agri-assistant/internal/health"
	"github.com/kjstillabower/agri-assistant/internal/models"
)

type fakeGenerator struct {
	mu       sync.Mutex
	text     string
	err      error
	calls    int
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.model = model
	f.contents = contents
	f.config = config
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(f.text, genai.RoleModel)}},
	}, nil
}

func (f *fakeGenerator) promptText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	for _, c := range f.contents {
		for _, p := range c.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (f *fakeGenerator) inlineMIME() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contents {
		for _, p := range c.Parts {
			if p.InlineData != nil {
				return p.InlineData.MIMEType
			}
		}
	}
	return ""
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
var wavBytes = []byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x01\x00\x40\x1f\x00\x00")

var weather = models.WeatherRecord{
	SoilType: "loam",
	Current:  models.CurrentConditions{Temperature: 20, Rainfall: 5},
	Forecast: models.Forecast{MaxTemp: 28, MinTemp: 15, Rainfall: 2},
}

func TestParseSoilCondition(t *testing.T) {
	tests := []struct {
		in      string
		want    SoilCondition
		wantErr bool
	}{
		{"good", SoilGood, false},
		{" LOW ", SoilLow, false},
		{"medium", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSoilCondition(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSoilCondition(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestGenerateCropAdvice(t *testing.T) {
	gen := &fakeGenerator{text: "  Sow chickpea this week.  "}
	a := newAdvisor(gen, Config{Model: "test-model", Temperature: 0.3}, nil, nil)

	got, err := a.GenerateCropAdvice(context.Background(), "hi", "Pune", weather, SoilLow)
	if err != nil {
		t.Fatalf("GenerateCropAdvice: %v", err)
	}
	if got != "Sow chickpea this week." {
		t.Errorf("got %q", got)
	}
	if gen.model != "test-model" {
		t.Errorf("model = %q", gen.model)
	}
	prompt := gen.promptText()
	for _, want := range []string{"Pune", "loam", "20.0°C", "max 28.0°C", "min 15.0°C", "low (poor fertility", "Respond only in Hindi."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if gen.config == nil || gen.config.SystemInstruction == nil || *gen.config.Temperature != 0.3 {
		t.Errorf("config = %+v", gen.config)
	}
}

func TestGenerateCropAdvice_InvalidSoil(t *testing.T) {
	gen := &fakeGenerator{text: "x"}
	a := newAdvisor(gen, Config{}, nil, nil)
	if _, err := a.GenerateCropAdvice(context.Background(), "en", "Pune", weather, "rich"); !errors.Is(err, ErrInvalidSoilCondition) {
		t.Errorf("err = %v", err)
	}
	if gen.calls != 0 {
		t.Errorf("calls = %d, want 0", gen.calls)
	}
}

func TestGeneratePhotoAnalysis(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString(pngBytes)
	tests := []struct {
		name  string
		input string
	}{
		{"raw base64", raw},
		{"data url with wrong declared type", "data:image/jpeg;base64," + raw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{text: "Early blight on tomato leaves."}
			a := newAdvisor(gen, Config{}, nil, nil)
			got, err := a.GeneratePhotoAnalysis(context.Background(), tt.input, "es", "Nashik")
			if err != nil {
				t.Fatalf("GeneratePhotoAnalysis: %v", err)
			}
			if got != "Early blight on tomato leaves." {
				t.Errorf("got %q", got)
			}
			if mt := gen.inlineMIME(); mt != "image/png" {
				t.Errorf("inline MIME = %q, want image/png", mt)
			}
			if p := gen.promptText(); !strings.Contains(p, "Nashik") || !strings.Contains(p, "Spanish") {
				t.Errorf("prompt = %q", p)
			}
		})
	}
}

func TestGeneratePhotoAnalysis_BadInput(t *testing.T) {
	gen := &fakeGenerator{text: "x"}
	a := newAdvisor(gen, Config{}, nil, nil)

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrInvalidImage},
		{"not base64", "%%%not-base64%%%", ErrInvalidImage},
		{"data url without comma", "data:image/png;base64", ErrInvalidImage},
		{"text payload", base64.StdEncoding.EncodeToString([]byte("hello world, not an image")), ErrUnsupportedImage},
	}
	for _, tt := range tests {
		if _, err := a.GeneratePhotoAnalysis(context.Background(), tt.input, "en", "Pune"); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if gen.calls != 0 {
		t.Errorf("calls = %d, want 0", gen.calls)
	}
}

func TestGenerateVoiceReply(t *testing.T) {
	gen := &fakeGenerator{text: "Irrigate in the evening."}
	a := newAdvisor(gen, Config{}, nil, nil)

	got, err := a.GenerateVoiceReply(context.Background(), wavBytes, "en", "Indore")
	if err != nil {
		t.Fatalf("GenerateVoiceReply: %v", err)
	}
	if got != "Irrigate in the evening." {
		t.Errorf("got %q", got)
	}
	if mt := gen.inlineMIME(); !strings.HasPrefix(mt, "audio/") {
		t.Errorf("inline MIME = %q", mt)
	}

	if _, err := a.GenerateVoiceReply(context.Background(), nil, "en", "Indore"); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("empty audio err = %v", err)
	}
	if _, err := a.GenerateVoiceReply(context.Background(), []byte("plain text"), "en", "Indore"); !errors.Is(err, ErrUnsupportedAudio) {
		t.Errorf("text audio err = %v", err)
	}
}

func TestGenerate_EmptyResponse(t *testing.T) {
	a := newAdvisor(&fakeGenerator{text: "   "}, Config{}, nil, nil)
	if _, err := a.GenerateCropAdvice(context.Background(), "en", "Pune", weather, SoilGood); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestGenerate_ErrorMessagePassesThrough(t *testing.T) {
	upstream := errors.New("quota exceeded")
	tracker := health.NewTracker()
	a := newAdvisor(&fakeGenerator{err: upstream}, Config{}, tracker, nil)

	_, err := a.GenerateCropAdvice(context.Background(), "en", "Pune", weather, SoilGood)
	if err == nil || err.Error() != "quota exceeded" {
		t.Errorf("err = %v, want upstream message unchanged", err)
	}
	if failures, total := tracker.ErrorRate(health.ComponentAI, time.Minute); failures != 1 || total != 1 {
		t.Errorf("tracker = %d/%d", failures, total)
	}
}

func TestGenerate_BreakerOpens(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("503 unavailable")}
	a := newAdvisor(gen, Config{BreakerFailures: 2, BreakerTimeout: time.Minute}, nil, nil)

	for i := 0; i < 2; i++ {
		_, _ = a.GenerateCropAdvice(context.Background(), "en", "Pune", weather, SoilGood)
	}
	_, err := a.GenerateCropAdvice(context.Background(), "en", "Pune", weather, SoilGood)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
	if gen.calls != 2 {
		t.Errorf("calls = %d, want 2 (breaker open)", gen.calls)
	}
}

func TestDecodeImage_Unpadded(t *testing.T) {
	raw := base64.RawStdEncoding.EncodeToString(pngBytes)
	got, err := decodeImage(raw, DefaultMaxImageBytes)
	if err != nil || string(got) != string(pngBytes) {
		t.Errorf("decodeImage = %v, %v", got, err)
	}
}

func TestGeneratePhotoAnalysis_ConfiguredImageLimit(t *testing.T) {
	gen := &fakeGenerator{text: "x"}
	a := newAdvisor(gen, Config{MaxImageBytes: len(pngBytes) - 1}, nil, nil)

	_, err := a.GeneratePhotoAnalysis(context.Background(), base64.StdEncoding.EncodeToString(pngBytes), "en", "Pune")
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("err = %v, want ErrInvalidImage", err)
	}
	if gen.calls != 0 {
		t.Errorf("calls = %d, want 0 for an oversized image", gen.calls)
	}
	if a.cfg.MaxImageBytes != len(pngBytes)-1 {
		t.Errorf("MaxImageBytes = %d", a.cfg.MaxImageBytes)
	}
	if d := newAdvisor(gen, Config{}, nil, nil); d.cfg.MaxImageBytes != DefaultMaxImageBytes {
		t.Errorf("default MaxImageBytes = %d, want %d", d.cfg.MaxImageBytes, DefaultMaxImageBytes)
	}
}

func TestNewGenAIAdvisor_RequiresKey(t *testing.T) {
	if _, err := NewGenAIAdvisor(context.Background(), Config{}, nil, nil); err == nil {
		t.Error("expected error without API key")
	}
}

func TestReady(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("503 unavailable")}
	a := newAdvisor(gen, Config{BreakerFailures: 1, BreakerTimeout: time.Minute}, nil, nil)
	if err := a.Ready(context.Background()); err != nil {
		t.Fatalf("Ready before failures: %v", err)
	}
	_, _ = a.GenerateCropAdvice(context.Background(), "en", "Pune", weather, SoilGood)
	if err := a.Ready(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ready with open breaker = %v", err)
	}
}
