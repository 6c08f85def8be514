package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/agri-assistant/internal/advisor"
	"github.com/kjstillabower/agri-assistant/internal/i18n"
	"github.com/kjstillabower/agri-assistant/internal/models"
	"github.com/kjstillabower/agri-assistant/internal/resolver"
	"github.com/kjstillabower/agri-assistant/internal/session"
)

type stubAdvisor struct {
	mu        sync.Mutex
	release   chan struct{}
	adviceErr error
}

func (a *stubAdvisor) GenerateCropAdvice(ctx context.Context, lang, location string, weather models.WeatherRecord, soil advisor.SoilCondition) (string, error) {
	a.mu.Lock()
	release := a.release
	a.mu.Unlock()
	if release != nil {
		<-release
	}
	if a.adviceErr != nil {
		return "", a.adviceErr
	}
	return "Plant millet in " + location + " (" + lang + ", " + weather.SoilType + ")", nil
}

func (a *stubAdvisor) GeneratePhotoAnalysis(ctx context.Context, imageBase64, lang, location string) (string, error) {
	return "leaf rust", nil
}

func (a *stubAdvisor) GenerateVoiceReply(ctx context.Context, audio []byte, lang, location string) (string, error) {
	return "you said " + string(audio), nil
}

func (a *stubAdvisor) Ready(ctx context.Context) error { return nil }

type snapshotBody struct {
	ID              string                `json:"id"`
	Language        string                `json:"language"`
	Query           string                `json:"query"`
	Fetching        bool                  `json:"fetching"`
	Weather         *models.WeatherRecord `json:"weather"`
	AdviceAvailable bool                  `json:"adviceAvailable"`
	Advice          string                `json:"advice"`
	Photo           string                `json:"photo"`
	Voice           string                `json:"voice"`
	VoiceActive     bool                  `json:"voiceActive"`
	Result          *struct {
		Source string `json:"source"`
		Text   string `json:"text"`
		Failed bool   `json:"failed"`
	} `json:"result"`
}

type sessionFixture struct {
	t      *testing.T
	router *mux.Router
	store  *session.Store
	adv    *stubAdvisor
}

func newSessionFixture(t *testing.T, lookup resolver.LookupFunc) *sessionFixture {
	t.Helper()
	if lookup == nil {
		lookup = func(ctx context.Context, location string) (models.WeatherRecord, error) { return loam, nil }
	}
	adv := &stubAdvisor{}
	catalog := i18n.MustLoad()
	store := session.NewStore(session.Deps{
		Lookup:          lookup,
		Advisor:         adv,
		Catalog:         catalog,
		ResolverOptions: []resolver.Option{resolver.WithQuietPeriod(10 * time.Millisecond)},
		ActionTimeout:   2 * time.Second,
		MaxAudioBytes:   20,
	}, session.StoreConfig{TTL: time.Minute})
	t.Cleanup(store.CloseAll)

	h := NewHandler(&mockLookup{}, store, catalog, nil, zap.NewNop(), Limits{MaxImageBytes: 1 << 10, MaxAudioBytes: 32})
	return &sessionFixture{t: t, router: NewRouter(h, RouterConfig{}, zap.NewNop()), store: store, adv: adv}
}

func (f *sessionFixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *sessionFixture) create(lang string) snapshotBody {
	f.t.Helper()
	w := f.do(http.MethodPost, "/sessions", `{"language":"`+lang+`"}`)
	if w.Code != http.StatusCreated {
		f.t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	return decodeSnapshot(f.t, w)
}

func (f *sessionFixture) snapshot(id string) snapshotBody {
	f.t.Helper()
	w := f.do(http.MethodGet, "/sessions/"+id, "")
	if w.Code != http.StatusOK {
		f.t.Fatalf("get status = %d", w.Code)
	}
	return decodeSnapshot(f.t, w)
}

// waitFor polls the session snapshot until cond holds.
func (f *sessionFixture) waitFor(id string, cond func(snapshotBody) bool) snapshotBody {
	f.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := f.snapshot(id)
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			f.t.Fatalf("condition not met; last snapshot %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) snapshotBody {
	t.Helper()
	var snap snapshotBody
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestSessions_CreateLanguage(t *testing.T) {
	f := newSessionFixture(t, nil)

	tests := []struct {
		name   string
		body   string
		header []string
		want   string
	}{
		{"body", `{"language":"hi"}`, nil, "hi"},
		{"accept-language", ``, []string{"Accept-Language", "es-AR,es;q=0.9"}, "es"},
		{"unsupported", `{"language":"fr"}`, nil, "en"},
		{"empty", ``, nil, "en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/sessions", tt.body, tt.header...)
			if w.Code != http.StatusCreated {
				t.Fatalf("status = %d: %s", w.Code, w.Body.String())
			}
			if w.Header().Get("Location") == "" {
				t.Error("Location header missing")
			}
			snap := decodeSnapshot(t, w)
			if snap.Language != tt.want {
				t.Errorf("language = %q, want %q", snap.Language, tt.want)
			}
			if snap.Query != "" || snap.Weather != nil || snap.Advice != "idle" {
				t.Errorf("new session not empty: %+v", snap)
			}
		})
	}
}

func TestSessions_BadBodies(t *testing.T) {
	f := newSessionFixture(t, nil)
	id := f.create("en").ID

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"unknown field", http.MethodPost, "/sessions", `{"lang":"hi"}`},
		{"location not json", http.MethodPut, "/sessions/" + id + "/location", `pune`},
		{"language missing", http.MethodPut, "/sessions/" + id + "/language", `{}`},
		{"soil invalid", http.MethodPost, "/sessions/" + id + "/advice", `{"soilCondition":"wet"}`},
		{"soil missing", http.MethodPost, "/sessions/" + id + "/advice", `{}`},
		{"photo missing", http.MethodPost, "/sessions/" + id + "/photo", `{}`},
		{"photo too large", http.MethodPost, "/sessions/" + id + "/photo", `{"image":"` + strings.Repeat("A", 2048) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(tt.method, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
			if got := decodeError(t, w).Error.Code; got != "INVALID_REQUEST" {
				t.Errorf("code = %q", got)
			}
		})
	}
}

func TestSessions_NotFound(t *testing.T) {
	f := newSessionFixture(t, nil)
	for _, path := range []string{"/sessions/missing", "/sessions/missing/voice/start"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "start") {
			method = http.MethodPost
		}
		w := f.do(method, path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, w.Code)
		}
	}
}

func TestSessions_LocationResolvesWeather(t *testing.T) {
	f := newSessionFixture(t, nil)
	id := f.create("en").ID

	w := f.do(http.MethodPut, "/sessions/"+id+"/location", `{"location":"Pune"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if snap := decodeSnapshot(t, w); !snap.Fetching || snap.AdviceAvailable {
		t.Errorf("after change: fetching=%v adviceAvailable=%v, want true/false", snap.Fetching, snap.AdviceAvailable)
	}

	snap := f.waitFor(id, func(s snapshotBody) bool { return s.Weather != nil })
	if *snap.Weather != loam || snap.Fetching || !snap.AdviceAvailable {
		t.Errorf("resolved snapshot = %+v", snap)
	}

	w = f.do(http.MethodPut, "/sessions/"+id+"/location", `{"location":"Pun"}`)
	if snap := decodeSnapshot(t, w); snap.Fetching || snap.Weather != nil {
		t.Errorf("short query: fetching=%v weather=%v, want false/nil", snap.Fetching, snap.Weather)
	}
}

func TestSessions_AdviceFlow(t *testing.T) {
	f := newSessionFixture(t, nil)
	id := f.create("hi").ID

	w := f.do(http.MethodPost, "/sessions/"+id+"/advice", `{"soilCondition":"good"}`)
	if w.Code != http.StatusConflict || decodeError(t, w).Error.Code != "ADVICE_UNAVAILABLE" {
		t.Fatalf("advice without weather: status = %d", w.Code)
	}

	f.do(http.MethodPut, "/sessions/"+id+"/location", `{"location":"Nashik"}`)
	f.waitFor(id, func(s snapshotBody) bool { return s.AdviceAvailable })

	release := make(chan struct{})
	f.adv.mu.Lock()
	f.adv.release = release
	f.adv.mu.Unlock()

	w = f.do(http.MethodPost, "/sessions/"+id+"/advice", `{"soilCondition":"low"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("advice status = %d: %s", w.Code, w.Body.String())
	}
	if snap := decodeSnapshot(t, w); snap.Advice != "loading" {
		t.Errorf("advice = %q, want loading", snap.Advice)
	}

	w = f.do(http.MethodPost, "/sessions/"+id+"/advice", `{"soilCondition":"low"}`)
	if w.Code != http.StatusConflict || decodeError(t, w).Error.Code != "ACTION_IN_PROGRESS" {
		t.Fatalf("second advice status = %d", w.Code)
	}

	close(release)
	snap := f.waitFor(id, func(s snapshotBody) bool { return s.Advice == "done" })
	if snap.Result == nil || snap.Result.Source != "advice" || snap.Result.Text != "Plant millet in Nashik (hi, loam)" {
		t.Errorf("result = %+v", snap.Result)
	}
}

func TestSessions_AdviceFailureLocalized(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.adv.adviceErr = errors.New("quota exceeded")
	id := f.create("es").ID

	f.do(http.MethodPut, "/sessions/"+id+"/location", `{"location":"Sevilla"}`)
	f.waitFor(id, func(s snapshotBody) bool { return s.AdviceAvailable })
	if w := f.do(http.MethodPost, "/sessions/"+id+"/advice", `{"soilCondition":"good"}`); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}

	snap := f.waitFor(id, func(s snapshotBody) bool { return s.Advice == "failed" })
	if snap.Result == nil || !snap.Result.Failed || snap.Result.Text != "El consejo falló: quota exceeded" {
		t.Errorf("result = %+v", snap.Result)
	}
}

func TestSessions_Photo(t *testing.T) {
	f := newSessionFixture(t, nil)
	id := f.create("en").ID

	if w := f.do(http.MethodPost, "/sessions/"+id+"/photo", `{"image":"data:image/png;base64,iVBORw0KGgo="}`); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	snap := f.waitFor(id, func(s snapshotBody) bool { return s.Photo == "done" })
	if snap.Result == nil || snap.Result.Text != "leaf rust" {
		t.Errorf("result = %+v", snap.Result)
	}
}

func TestSessions_VoiceFlow(t *testing.T) {
	f := newSessionFixture(t, nil)
	id := f.create("en").ID
	base := "/sessions/" + id + "/voice/"

	w := f.do(http.MethodPost, base+"audio", "early")
	if w.Code != http.StatusConflict || decodeError(t, w).Error.Code != "VOICE_NOT_ACTIVE" {
		t.Fatalf("audio before start: status = %d", w.Code)
	}
	if w := f.do(http.MethodPost, base+"stop", ""); w.Code != http.StatusConflict {
		t.Fatalf("stop before start: status = %d", w.Code)
	}

	if w := f.do(http.MethodPost, base+"start", ""); w.Code != http.StatusAccepted {
		t.Fatalf("start status = %d", w.Code)
	}
	f.waitFor(id, func(s snapshotBody) bool { return s.VoiceActive })

	if w := f.do(http.MethodPost, base+"start", ""); w.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", w.Code)
	}
	if w := f.do(http.MethodPost, base+"audio", ""); w.Code != http.StatusBadRequest {
		t.Errorf("empty chunk status = %d, want 400", w.Code)
	}
	if w := f.do(http.MethodPost, base+"audio", strings.Repeat("x", 40)); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized chunk status = %d, want 413", w.Code)
	}
	for _, chunk := range []string{"water ", "the ", "wheat"} {
		req := httptest.NewRequest(http.MethodPost, base+"audio", bytes.NewReader([]byte(chunk)))
		req.Header.Set("Content-Type", "audio/webm")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("audio status = %d: %s", rec.Code, rec.Body.String())
		}
	}
	if w := f.do(http.MethodPost, base+"audio", strings.Repeat("y", 30)); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("recording over session limit: status = %d, want 413", w.Code)
	}

	if w := f.do(http.MethodPost, base+"stop", ""); w.Code != http.StatusAccepted {
		t.Fatalf("stop status = %d", w.Code)
	}
	snap := f.waitFor(id, func(s snapshotBody) bool { return s.Voice == "done" })
	if snap.Result == nil || snap.Result.Source != "voice" || snap.Result.Text != "you said water the wheat" {
		t.Errorf("result = %+v", snap.Result)
	}
	if snap.VoiceActive {
		t.Error("voice still active after reply")
	}
}

func TestSessions_SetLanguageAndDelete(t *testing.T) {
	f := newSessionFixture(t, nil)
	id := f.create("en").ID

	w := f.do(http.MethodPut, "/sessions/"+id+"/language", `{"language":"hi-IN"}`)
	if w.Code != http.StatusOK || decodeSnapshot(t, w).Language != "hi" {
		t.Fatalf("set language status = %d", w.Code)
	}

	if w := f.do(http.MethodDelete, "/sessions/"+id, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/sessions/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
	if w := f.do(http.MethodDelete, "/sessions/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
	if f.store.Len() != 0 {
		t.Errorf("store len = %d", f.store.Len())
	}
}

func TestSessions_TooMany(t *testing.T) {
	store := session.NewStore(session.Deps{
		Lookup:  func(ctx context.Context, location string) (models.WeatherRecord, error) { return loam, nil },
		Advisor: &stubAdvisor{},
		Catalog: i18n.MustLoad(),
	}, session.StoreConfig{MaxSessions: 1})
	t.Cleanup(store.CloseAll)
	router := NewRouter(NewHandler(&mockLookup{}, store, i18n.MustLoad(), nil, nil, Limits{}), RouterConfig{}, zap.NewNop())

	for i, want := range []int{http.StatusCreated, http.StatusServiceUnavailable} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sessions", nil))
		if w.Code != want {
			t.Errorf("create #%d status = %d, want %d", i, w.Code, want)
		}
	}
}

func TestPhotoBodyLimit_FitsEncodedImage(t *testing.T) {
	if got := PhotoBodyLimit(3); got != 4+4<<10 {
		t.Errorf("PhotoBodyLimit(3) = %d", got)
	}
	// 8 MiB decodes from ~11.2 MiB of base64; the body must admit it.
	if got := PhotoBodyLimit(8 << 20); got <= (8<<20)*4/3 {
		t.Errorf("PhotoBodyLimit(8MiB) = %d, too small for the encoded image", got)
	}
}
