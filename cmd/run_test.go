package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arcward/queuebot/queuebot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner returns the next queued error from Run, then blocks until
// the context is canceled once the queue is empty
type fakeRunner struct {
	mu        sync.Mutex
	errs      []error
	runs      int
	runTimes  []time.Time
	validate  error
	exhausted chan struct{}
}

func newFakeRunner(errs ...error) *fakeRunner {
	return &fakeRunner{errs: errs, exhausted: make(chan struct{})}
}

func (f *fakeRunner) ValidateConfig() error {
	return f.validate
}

func (f *fakeRunner) Run(ctx context.Context) error {
	f.mu.Lock()
	f.runs++
	f.runTimes = append(f.runTimes, time.Now())
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	close(f.exhausted)
	<-ctx.Done()
	return nil
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func testSuperviseConfig() *queuebot.SuperviseConfig {
	return &queuebot.SuperviseConfig{
		Enabled:        true,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	}
}

func TestSupervise_RestartsAfterCrash(t *testing.T) {
	f := newFakeRunner(
		errors.New("gateway crashed"),
		errors.New("gateway crashed"),
		errors.New("gateway crashed"),
		errors.New("gateway crashed"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- supervise(
			ctx, testSuperviseConfig(), func() (runner, error) {
				return f, nil
			},
		)
	}()

	select {
	case <-f.exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for restarts")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor didn't stop")
	}
	assert.Equal(t, 5, f.runCount())

	// 10ms, 20ms, 40ms, then capped at 40ms
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.GreaterOrEqual(t, f.runTimes[3].Sub(f.runTimes[2]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, f.runTimes[4].Sub(f.runTimes[3]), 40*time.Millisecond)
}

func TestSupervise_AuthenticationFailure(t *testing.T) {
	authErr := fmt.Errorf("%w: 4004", queuebot.ErrAuthentication)
	f := newFakeRunner(authErr)

	err := supervise(
		context.Background(), testSuperviseConfig(), func() (runner, error) {
			return f, nil
		},
	)
	require.ErrorIs(t, err, queuebot.ErrAuthentication)
	assert.Equal(t, 1, f.runCount())
}

func TestSupervise_InvalidConfig(t *testing.T) {
	f := newFakeRunner()
	f.validate = errors.New("token required")

	err := supervise(
		context.Background(), testSuperviseConfig(), func() (runner, error) {
			return f, nil
		},
	)
	require.EqualError(t, err, "token required")
	assert.Equal(t, 0, f.runCount())
}

func TestSupervise_ConstructorError(t *testing.T) {
	err := supervise(
		context.Background(), testSuperviseConfig(), func() (runner, error) {
			return nil, errors.New("bad public key")
		},
	)
	require.EqualError(t, err, "bad public key")
}

func TestSupervise_CanceledDuringBackoff(t *testing.T) {
	f := newFakeRunner(errors.New("gateway crashed"))
	cfg := testSuperviseConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- supervise(
			ctx, cfg, func() (runner, error) {
				return f, nil
			},
		)
	}()

	require.Eventually(
		t, func() bool {
			return f.runCount() == 1
		}, 5*time.Second, 10*time.Millisecond,
	)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor didn't stop during backoff")
	}
	assert.Equal(t, 1, f.runCount())
}
