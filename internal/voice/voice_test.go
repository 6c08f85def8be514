package voice

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSession_RoundTrip(t *testing.T) {
	var gotAudio []byte
	var gotLang, gotLoc string
	responses := make(chan string, 1)
	s := New(func(ctx context.Context, audio []byte, lang, location string) (string, error) {
		gotAudio, gotLang, gotLoc = audio, lang, location
		return "Water the seedlings at dusk.", nil
	}, WithResponseHandler(func(text string) { responses <- text }))
	defer s.Close()

	if err := s.Start(context.Background(), "hi", "Pune"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, s.IsActive)
	if s.IsConnecting() {
		t.Error("IsConnecting should be false once active")
	}

	if err := s.AppendAudio([]byte("abc")); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := s.AppendAudio([]byte("def")); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case text := <-responses:
		if text != "Water the seedlings at dusk." {
			t.Errorf("response = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response delivered")
	}
	waitFor(t, func() bool { return !s.IsReplying() })
	if string(gotAudio) != "abcdef" || gotLang != "hi" || gotLoc != "Pune" {
		t.Errorf("replier got %q %q %q", gotAudio, gotLang, gotLoc)
	}
	if s.IsActive() {
		t.Error("session should be idle after reply")
	}
}

func TestSession_StartTwice(t *testing.T) {
	s := New(nil)
	defer s.Close()
	if err := s.Start(context.Background(), "en", "Pune"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background(), "en", "Pune"); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Start err = %v, want ErrAlreadyActive", err)
	}
}

func TestSession_NotActive(t *testing.T) {
	s := New(nil)
	defer s.Close()
	if err := s.AppendAudio([]byte("x")); !errors.Is(err, ErrNotActive) {
		t.Errorf("AppendAudio err = %v", err)
	}
	if err := s.Stop(); !errors.Is(err, ErrNotActive) {
		t.Errorf("Stop err = %v", err)
	}
}

func TestSession_ConnectFailureGoesToErrors(t *testing.T) {
	unavailable := errors.New("backend unavailable")
	s := New(nil, WithReady(func(ctx context.Context) error { return unavailable }))
	defer s.Close()

	if err := s.Start(context.Background(), "en", "Pune"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case err := <-s.Errors():
		if !errors.Is(err, unavailable) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error delivered")
	}
	if s.IsActive() || s.IsConnecting() {
		t.Error("session should be idle after connect failure")
	}
}

func TestSession_StopWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	s := New(nil, WithReady(func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ctx.Err()
	}))
	defer s.Close()
	defer close(release)

	_ = s.Start(context.Background(), "en", "Pune")
	if !s.IsConnecting() {
		t.Fatal("expected connecting")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsConnecting() || s.IsActive() {
		t.Error("expected idle after stop")
	}
	select {
	case err := <-s.Errors():
		t.Errorf("unexpected error after user stop: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSession_ReplyFailure(t *testing.T) {
	s := New(func(ctx context.Context, audio []byte, lang, location string) (string, error) {
		return "", errors.New("transcription failed")
	})
	defer s.Close()

	_ = s.Start(context.Background(), "en", "Pune")
	waitFor(t, s.IsActive)
	_ = s.AppendAudio([]byte("x"))
	_ = s.Stop()

	select {
	case err := <-s.Errors():
		if err.Error() != "transcription failed" {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error delivered")
	}
}

func TestSession_AudioLimit(t *testing.T) {
	s := New(nil, WithMaxAudioBytes(4))
	defer s.Close()
	_ = s.Start(context.Background(), "en", "Pune")
	waitFor(t, s.IsActive)
	if err := s.AppendAudio([]byte("1234")); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := s.AppendAudio([]byte("5")); !errors.Is(err, ErrAudioTooLarge) {
		t.Errorf("err = %v, want ErrAudioTooLarge", err)
	}
}

func TestSession_CloseAbortsReply(t *testing.T) {
	s := New(func(ctx context.Context, audio []byte, lang, location string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	_ = s.Start(context.Background(), "en", "Pune")
	waitFor(t, s.IsActive)
	_ = s.Stop()
	s.Close()

	if err := s.Start(context.Background(), "en", "Pune"); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close err = %v", err)
	}
}
