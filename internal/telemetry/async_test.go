package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*Event
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *Event) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

// waitForEvents polls until want events were recorded or the deadline passes.
func waitForEvents(t *testing.T, m *mockEventEmitter, want int) []*Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := m.getEvents(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := m.getEvents()
	t.Fatalf("expected %d events, got %d", want, len(got))
	return nil
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic
	EmitAsync(nil, zerolog.Nop(), NewEvent(EventUserVerified, "u1", ""))
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter, zerolog.Nop(), nil)

	time.Sleep(10 * time.Millisecond)
	if events := emitter.getEvents(); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter, zerolog.Nop(), NewEvent(EventUserVerified, "user-1", "guild-1"))

	events := waitForEvents(t, emitter, 1)
	if events[0].UserID != "user-1" {
		t.Errorf("event user_id = %q, want %q", events[0].UserID, "user-1")
	}
	if events[0].GuildID != "guild-1" {
		t.Errorf("event guild_id = %q, want %q", events[0].GuildID, "guild-1")
	}
	if events[0].Type != EventUserVerified {
		t.Errorf("event type = %q, want %q", events[0].Type, EventUserVerified)
	}
}

func TestEmitAsync_ErrorIsSwallowed(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: errors.New("broker down")}
	EmitAsync(emitter, zerolog.Nop(), NewEvent(EventOTPRejected, "u1", ""))
	waitForEvents(t, emitter, 1)
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEventEmitter{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, zerolog.Nop(), NewEvent(EventEmailSubmitted, "u1", ""))
		}()
	}
	wg.Wait()
	waitForEvents(t, emitter, 10)
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(EventVerificationStarted, "u1", "g1").With("reason", "join")
	b := NewEvent(EventVerificationStarted, "u1", "g1")
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("event ids should be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if a.CreatedAt.IsZero() || a.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want non-zero UTC", a.CreatedAt)
	}
	if a.Metadata["reason"] != "join" {
		t.Errorf("Metadata = %v", a.Metadata)
	}
	if b.Metadata != nil {
		t.Error("metadata should stay nil until With is called")
	}
}

func TestMulti_ForwardsToAllAndJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	a := &mockEventEmitter{emitErr: errA}
	b := &mockEventEmitter{}
	m := Multi(a, nil, b)

	err := m.Emit(context.Background(), NewEvent(EventUserVerified, "u1", ""))
	if !errors.Is(err, errA) {
		t.Fatalf("want joined errA, got %v", err)
	}
	if len(a.getEvents()) != 1 || len(b.getEvents()) != 1 {
		t.Errorf("each emitter should see the event once: a=%d b=%d", len(a.getEvents()), len(b.getEvents()))
	}
}

func TestMulti_Empty(t *testing.T) {
	if err := Multi().Emit(context.Background(), NewEvent(EventUserVerified, "u1", "")); err != nil {
		t.Errorf("empty Multi: %v", err)
	}
}
