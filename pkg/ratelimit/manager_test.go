package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/merchcord/outbound/pkg/clock"
)

func newTestManager(t *testing.T) (*Manager, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(fake, zerolog.Nop()), fake
}

func headers(kv map[string]string) http.Header {
	h := http.Header{}
	for k, v := range kv {
		h.Set(k, v)
	}
	return h
}

func TestManager_UpdateFromHeaders(t *testing.T) {
	m, _ := newTestManager(t)

	m.UpdateFromHeaders("guilds", headers(map[string]string{
		HeaderRemaining:  "3",
		HeaderResetAfter: "1.5",
		HeaderBucket:     "abcd1234",
	}))

	state, ok := m.StateFor("guilds")
	if !ok {
		t.Fatal("expected state for endpoint")
	}
	if state.Remaining != 3 {
		t.Errorf("Remaining = %d, want 3", state.Remaining)
	}
	if state.Bucket != "abcd1234" {
		t.Errorf("Bucket = %q, want abcd1234", state.Bucket)
	}
	if state.Global {
		t.Error("state should not be global")
	}
}

func TestManager_IgnoresResponsesWithoutHeaders(t *testing.T) {
	m, _ := newTestManager(t)

	m.UpdateFromHeaders("guilds", headers(map[string]string{"Content-Type": "application/json"}))

	if _, ok := m.StateFor("guilds"); ok {
		t.Error("no state should be recorded without rate-limit headers")
	}
	if got := m.WaitDuration("guilds"); got != 0 {
		t.Errorf("WaitDuration = %v, want 0", got)
	}
}

func TestManager_WaitDuration(t *testing.T) {
	m, fake := newTestManager(t)

	// remaining=0, reset in 2 seconds.
	m.UpdateFromHeaders("guilds", headers(map[string]string{
		HeaderRemaining:  "0",
		HeaderResetAfter: "2",
	}))

	if got := m.WaitDuration("guilds"); got != 2*time.Second {
		t.Errorf("WaitDuration = %v, want 2s", got)
	}

	// Requests remaining means no wait even with a future reset.
	m.UpdateFromHeaders("channels", headers(map[string]string{
		HeaderRemaining:  "4",
		HeaderResetAfter: "2",
	}))
	if got := m.WaitDuration("channels"); got != 0 {
		t.Errorf("WaitDuration with remaining = %v, want 0", got)
	}

	// Once the window has reset, no wait and the state is dropped.
	fake.Advance(3 * time.Second)
	if got := m.WaitDuration("guilds"); got != 0 {
		t.Errorf("WaitDuration after reset = %v, want 0", got)
	}
	if _, ok := m.StateFor("guilds"); ok {
		t.Error("expired state should be dropped")
	}
}

func TestManager_LastWriteWins(t *testing.T) {
	m, _ := newTestManager(t)

	m.UpdateFromHeaders("guilds", headers(map[string]string{
		HeaderRemaining:  "0",
		HeaderResetAfter: "10",
	}))
	m.UpdateFromHeaders("guilds", headers(map[string]string{
		HeaderRemaining:  "5",
		HeaderResetAfter: "10",
	}))

	state, _ := m.StateFor("guilds")
	if state.Remaining != 5 {
		t.Errorf("Remaining = %d, want 5 (later response wins)", state.Remaining)
	}
	if got := m.WaitDuration("guilds"); got != 0 {
		t.Errorf("WaitDuration = %v, want 0 after overwrite", got)
	}
}

func TestManager_GlobalTakesPrecedence(t *testing.T) {
	m, fake := newTestManager(t)

	m.UpdateFromHeaders("guilds", headers(map[string]string{
		HeaderRemaining:  "5",
		HeaderResetAfter: "1",
	}))
	m.UpdateFromHeaders("guilds", headers(map[string]string{
		HeaderRemaining:  "0",
		HeaderResetAfter: "3",
		HeaderGlobal:     "true",
	}))

	// Global window pauses every endpoint, including ones with headroom.
	if got := m.WaitDuration("guilds"); got != 3*time.Second {
		t.Errorf("WaitDuration(guilds) = %v, want 3s (global)", got)
	}
	if got := m.WaitDuration("channels"); got != 3*time.Second {
		t.Errorf("WaitDuration(channels) = %v, want 3s (global)", got)
	}

	// Global window expiry restores per-endpoint behavior.
	fake.Advance(4 * time.Second)
	if got := m.WaitDuration("channels"); got != 0 {
		t.Errorf("WaitDuration after global reset = %v, want 0", got)
	}
}

func TestManager_RetryAfterFallback(t *testing.T) {
	m, _ := newTestManager(t)

	m.UpdateFromHeaders("guilds", headers(map[string]string{
		HeaderRemaining:  "0",
		HeaderRetryAfter: "2.5",
	}))

	got := m.WaitDuration("guilds")
	if got != 2500*time.Millisecond {
		t.Errorf("WaitDuration = %v, want 2.5s from Retry-After", got)
	}
}

func TestManager_WaitSleepsUntilReset(t *testing.T) {
	m, fake := newTestManager(t)

	m.UpdateFromHeaders("guilds", headers(map[string]string{
		HeaderRemaining:  "0",
		HeaderResetAfter: "2",
	}))

	type result struct {
		waited time.Duration
		err    error
	}
	done := make(chan result, 1)
	go func() {
		waited, err := m.Wait(context.Background(), "guilds")
		done <- result{waited, err}
	}()

	fake.BlockUntil(1)

	// Not released before the reset.
	fake.Advance(1 * time.Second)
	select {
	case <-done:
		t.Fatal("Wait returned before the window reset")
	case <-time.After(20 * time.Millisecond):
	}

	fake.Advance(1 * time.Second)
	select {
	case r := <-done:
		if r.err != nil {
			t.Errorf("Wait error = %v", r.err)
		}
		if r.waited != 2*time.Second {
			t.Errorf("waited = %v, want 2s", r.waited)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the window reset")
	}
}

func TestManager_WaitNoStateReturnsImmediately(t *testing.T) {
	m, _ := newTestManager(t)

	waited, err := m.Wait(context.Background(), "unknown")
	if err != nil {
		t.Errorf("Wait error = %v", err)
	}
	if waited != 0 {
		t.Errorf("waited = %v, want 0", waited)
	}
}

func TestManager_WaitCancelled(t *testing.T) {
	m, fake := newTestManager(t)

	m.UpdateFromHeaders("guilds", headers(map[string]string{
		HeaderRemaining:  "0",
		HeaderResetAfter: "60",
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Wait(ctx, "guilds")
		done <- err
	}()

	fake.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("cancelled Wait should return error")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Wait did not return")
	}
}

func TestManager_Reset(t *testing.T) {
	m, _ := newTestManager(t)

	m.UpdateFromHeaders("guilds", headers(map[string]string{
		HeaderRemaining:  "0",
		HeaderResetAfter: "60",
		HeaderGlobal:     "true",
	}))
	m.Reset()

	if got := m.WaitDuration("guilds"); got != 0 {
		t.Errorf("WaitDuration after Reset = %v, want 0", got)
	}
}
