package systemd

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func swap(t *testing.T) *recorder {
	t.Helper()
	rec := &recorder{}
	prev := Notifier
	Notifier = rec.notify
	t.Cleanup(func() { Notifier = prev })
	return rec
}

func TestStates(t *testing.T) {
	rec := swap(t)
	_, _ = Ready()
	_, _ = Reloading()
	_, _ = Status("2 panels")
	_, _ = Stopping()
	assert.Equal(t, []string{
		daemon.SdNotifyReady,
		daemon.SdNotifyReloading,
		"STATUS=2 panels",
		daemon.SdNotifyStopping,
	}, rec.snapshot())
}

func TestWatchdogLoopHonorsHealth(t *testing.T) {
	rec := swap(t)
	var healthy atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchdogLoop(ctx, 10*time.Millisecond, healthy.Load) }()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	healthy.Store(true)
	assert.Eventually(t, func() bool { return len(rec.snapshot()) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, daemon.SdNotifyWatchdog, rec.snapshot()[0])
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	assert.NoError(t, Watchdog(context.Background(), nil))
}
