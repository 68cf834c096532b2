package timer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestManagerFire(t *testing.T) {
	m := New(context.Background(), nil, nil)
	defer m.Shutdown()

	got := make(chan Event, 1)
	require.NoError(t, m.Set("t1", "dlg-1", 10*time.Millisecond, 42, func(e Event) { got <- e }))
	assert.Equal(t, 1, m.Active())

	select {
	case e := <-got:
		assert.Equal(t, "t1", e.ID)
		assert.Equal(t, "dlg-1", e.Owner)
		assert.Equal(t, 42, e.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("таймер не сработал")
	}

	assert.Eventually(t, func() bool { return m.Active() == 0 }, time.Second, 5*time.Millisecond)
	st := m.Stats()
	assert.Equal(t, int64(1), st.Created)
	assert.Equal(t, int64(1), st.Fired)
}

func TestManagerCancel(t *testing.T) {
	t.Run("отмена одного таймера", func(t *testing.T) {
		m := New(context.Background(), nil, nil)
		defer m.Shutdown()

		var fired atomic.Int32
		require.NoError(t, m.Set("t1", "a", 20*time.Millisecond, nil, func(Event) { fired.Add(1) }))
		assert.True(t, m.Cancel("t1"))
		assert.False(t, m.Cancel("t1"))

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, fired.Load())
		assert.Equal(t, int64(1), m.Stats().Cancelled)
	})

	t.Run("отмена по владельцу", func(t *testing.T) {
		m := New(context.Background(), nil, nil)
		defer m.Shutdown()

		for _, id := range []string{"a1", "a2", "a3"} {
			require.NoError(t, m.Set(id, "a", time.Hour, nil, nil))
		}
		require.NoError(t, m.Set("b1", "b", time.Hour, nil, nil))

		assert.Equal(t, 3, m.CancelOwner("a"))
		assert.Equal(t, 1, m.Active())
		assert.Zero(t, m.CancelOwner("a"))
	})

	t.Run("замена таймера с тем же id", func(t *testing.T) {
		m := New(context.Background(), nil, nil)
		defer m.Shutdown()

		var first, second atomic.Int32
		require.NoError(t, m.Set("t", "a", 10*time.Millisecond, nil, func(Event) { first.Add(1) }))
		require.NoError(t, m.Set("t", "a", 20*time.Millisecond, nil, func(Event) { second.Add(1) }))

		assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, first.Load())
		assert.Equal(t, 1, int(m.Stats().Cancelled))
	})
}

func TestManagerLimit(t *testing.T) {
	m := New(context.Background(), &Config{MaxTimers: 2}, nil)
	defer m.Shutdown()

	require.NoError(t, m.Set("1", "a", time.Hour, nil, nil))
	require.NoError(t, m.Set("2", "a", time.Hour, nil, nil))
	err := m.Set("3", "a", time.Hour, nil, nil)
	assert.True(t, errors.Is(err, ErrLimit))

	// замена существующего таймера лимит не превышает
	assert.NoError(t, m.Set("2", "a", time.Hour, nil, nil))
}

func TestManagerShutdown(t *testing.T) {
	t.Run("Shutdown отменяет таймеры", func(t *testing.T) {
		m := New(context.Background(), nil, nil)
		var fired atomic.Int32
		for _, id := range []string{"1", "2"} {
			require.NoError(t, m.Set(id, "a", 10*time.Millisecond, nil, func(Event) { fired.Add(1) }))
		}
		m.Shutdown()
		m.Shutdown()

		time.Sleep(30 * time.Millisecond)
		assert.Zero(t, fired.Load())
		assert.True(t, errors.Is(m.Set("3", "a", time.Millisecond, nil, nil), ErrShutdown))
	})

	t.Run("отмена контекста", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		m := New(ctx, nil, nil)
		require.NoError(t, m.Set("1", "a", time.Hour, nil, nil))

		cancel()
		assert.Eventually(t, func() bool { return m.Active() == 0 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool {
			return errors.Is(m.Set("2", "a", time.Hour, nil, nil), ErrShutdown)
		}, time.Second, 5*time.Millisecond)
		m.Shutdown()
	})

	t.Run("Shutdown ждет выполняющийся колбэк", func(t *testing.T) {
		m := New(context.Background(), nil, nil)
		started := make(chan struct{})
		release := make(chan struct{})
		var done atomic.Bool
		require.NoError(t, m.Set("1", "a", time.Millisecond, nil, func(Event) {
			close(started)
			<-release
			done.Store(true)
		}))
		<-started

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Shutdown()
		}()
		time.Sleep(10 * time.Millisecond)
		assert.False(t, done.Load())
		close(release)
		wg.Wait()
		assert.True(t, done.Load())
	})
}
