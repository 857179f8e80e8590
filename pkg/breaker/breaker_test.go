package breaker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/merchcord/outbound/pkg/clock"
)

func newTestBreaker(t *testing.T) (*Breaker, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	b := New("test", 5, 60*time.Second, fake, zerolog.Nop())
	return b, fake
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if got := b.State(); got != StateClosed {
			t.Fatalf("state after %d failures = %v, want closed", i+1, got)
		}
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Errorf("state after 5 failures = %v, want open", got)
	}
	if b.Allow() {
		t.Error("open circuit should not allow requests before cooldown")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	if got := b.Failures(); got != 0 {
		t.Errorf("failures after success = %d, want 0", got)
	}

	// Four more failures must not open the circuit after the reset.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, fake := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	fake.Advance(59 * time.Second)
	if b.Allow() {
		t.Error("circuit should stay open before cooldown elapses")
	}

	fake.Advance(1 * time.Second)
	if !b.Allow() {
		t.Error("first call after cooldown should be admitted as probe")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Errorf("state = %v, want half-open", got)
	}
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, fake := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	fake.Advance(60 * time.Second)

	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}
	if b.Allow() {
		t.Error("second call during in-flight probe should be rejected")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, fake := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	fake.Advance(60 * time.Second)

	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}
	b.RecordSuccess()

	if got := b.State(); got != StateClosed {
		t.Errorf("state after probe success = %v, want closed", got)
	}
	if got := b.Failures(); got != 0 {
		t.Errorf("failures after probe success = %d, want 0", got)
	}
	if !b.Allow() {
		t.Error("closed circuit should allow requests")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, fake := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	fake.Advance(60 * time.Second)

	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}
	b.RecordFailure()

	if got := b.State(); got != StateOpen {
		t.Errorf("state after probe failure = %v, want open", got)
	}

	// The cooldown clock restarted with the probe failure.
	fake.Advance(30 * time.Second)
	if b.Allow() {
		t.Error("circuit should stay open, cooldown was reset by probe failure")
	}
	fake.Advance(30 * time.Second)
	if !b.Allow() {
		t.Error("new probe should be admitted after the fresh cooldown")
	}
}

func TestBreaker_ReleasedProbeAdmitsNextCall(t *testing.T) {
	b, fake := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	fake.Advance(60 * time.Second)

	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}
	if b.Allow() {
		t.Fatal("second call during in-flight probe should be rejected")
	}

	// The probe ended without a verdict, e.g. its caller cancelled.
	b.ReleaseProbe()

	if !b.Allow() {
		t.Error("released probe slot should admit the next call")
	}
	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", got)
	}
}

func TestBreaker_ReleaseProbeOutsideHalfOpenIsNoop(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.ReleaseProbe()
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if !b.Allow() {
		t.Error("closed circuit should allow requests")
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	b, fake := newTestBreaker(t)

	var transitions []State
	b.OnStateChange(func(s State) { transitions = append(transitions, s) })

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	fake.Advance(60 * time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("got %d transitions %v, want %v", len(transitions), transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_DefaultTuning(t *testing.T) {
	b := New("defaults", 0, 0, nil, zerolog.Nop())

	if b.threshold != DefaultThreshold {
		t.Errorf("threshold = %d, want %d", b.threshold, DefaultThreshold)
	}
	if b.cooldown != DefaultCooldown {
		t.Errorf("cooldown = %v, want %v", b.cooldown, DefaultCooldown)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
