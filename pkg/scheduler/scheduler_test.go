package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
	ran   chan struct{}
}

func (f *fakeSweeper) SweepOverdue(ctx context.Context, asOf time.Time) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, asOf)
	f.mu.Unlock()
	if f.ran != nil {
		select {
		case f.ran <- struct{}{}:
		default:
		}
	}
	return 3, f.err
}

func TestRunOnce(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	asOf := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	sweeper := &fakeSweeper{}

	s, err := New(sweeper, "@daily", log, WithClock(func() time.Time { return asOf }))
	require.NoError(t, err)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, sweeper.calls, 1)
	assert.Equal(t, asOf, sweeper.calls[0])
}

func TestNew_InvalidSchedule(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	_, err := New(&fakeSweeper{}, "every tuesday", log)
	assert.Error(t, err)
}

func TestScheduledRun(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	sweeper := &fakeSweeper{err: errors.New("plan broke"), ran: make(chan struct{}, 1)}

	s, err := New(sweeper, "@every 1s", log)
	require.NoError(t, err)
	s.Start()
	defer s.Stop(context.Background())

	assert.False(t, s.Next().IsZero())

	select {
	case <-sweeper.ran:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep did not run on schedule")
	}

	assert.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.ErrorLevel {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
