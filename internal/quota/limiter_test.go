package quota

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/clock"
)

var epoch = time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setupLimiterTest(t *testing.T, interval time.Duration) (*Limiter, *clock.FakeClock) {
	clk := clock.Fake(epoch)
	l := New(Config{MinInterval: interval, Clock: clk, Log: quietLogger()})
	t.Cleanup(l.Close)
	return l, clk
}

// pump advances the fake clock in small steps until every ticket resolved.
func pump(t *testing.T, clk *clock.FakeClock, step time.Duration, tickets ...*Ticket) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for _, tk := range tickets {
		for {
			select {
			case <-tk.Done():
			default:
				require.True(t, time.Now().Before(deadline), "ticket %s never resolved", tk.Name)
				clk.Advance(step)
				time.Sleep(200 * time.Microsecond)
				continue
			}
			break
		}
	}
}

func TestFirstWriteAfterIdleRunsImmediately(t *testing.T) {
	l, clk := setupLimiterTest(t, 2*time.Second)

	var ranAt time.Time
	tk := l.Submit("first", func(context.Context) error {
		ranAt = clk.Now()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tk.Wait(ctx))
	assert.Equal(t, epoch, ranAt)
}

func TestPacingAndOrderUnderRandomSubmissions(t *testing.T) {
	const interval = 2 * time.Second
	l, clk := setupLimiterTest(t, interval)

	var mu sync.Mutex
	var order []int
	var starts []time.Time

	rng := rand.New(rand.NewSource(7))
	var tickets []*Ticket
	for i := 0; i < 50; i++ {
		i := i
		tickets = append(tickets, l.Submit(strconv.Itoa(i), func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			starts = append(starts, clk.Now())
			mu.Unlock()
			return nil
		}))
		clk.Advance(time.Duration(rng.Int63n(int64(3 * interval))))
		time.Sleep(time.Duration(rng.Intn(300)) * time.Microsecond)
	}
	pump(t, clk, interval/4, tickets...)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 50)
	for i := range order {
		assert.Equal(t, i, order[i], "writes must run in submission order")
	}
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, interval, "writes %d and %d ran %s apart", i-1, i, gap)
	}
}

func TestFailingWriteDoesNotHaltQueue(t *testing.T) {
	l, clk := setupLimiterTest(t, time.Second)
	boom := errors.New("boom")

	first := l.Submit("fails", func(context.Context) error { return boom })
	var ran atomic.Bool
	second := l.Submit("ok", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	pump(t, clk, 250*time.Millisecond, first, second)

	assert.ErrorIs(t, first.Err(), boom)
	assert.NoError(t, second.Err())
	assert.True(t, ran.Load())
}

func TestClearDropsQueuedWrites(t *testing.T) {
	l, clk := setupLimiterTest(t, time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	running := l.Submit("running", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var ran atomic.Int32
	q1 := l.Submit("queued-1", func(context.Context) error { ran.Add(1); return nil })
	q2 := l.Submit("queued-2", func(context.Context) error { ran.Add(1); return nil })
	assert.Equal(t, 2, l.Pending())

	assert.Equal(t, 2, l.Clear())
	assert.ErrorIs(t, q1.Err(), ErrDropped)
	assert.ErrorIs(t, q2.Err(), ErrDropped)
	assert.Zero(t, l.Pending())

	close(release)
	pump(t, clk, 250*time.Millisecond, running)
	assert.NoError(t, running.Err())

	after := l.Submit("after-clear", func(context.Context) error { ran.Add(1); return nil })
	pump(t, clk, 250*time.Millisecond, after)
	assert.Equal(t, int32(1), ran.Load())
}

func TestConcurrentSubmitsRunOneAtATime(t *testing.T) {
	l, clk := setupLimiterTest(t, 100*time.Millisecond)

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	tickets := make([]*Ticket, 20)
	for i := range tickets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tickets[i] = l.Submit(strconv.Itoa(i), func(context.Context) error {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				inFlight.Add(-1)
				return nil
			})
		}(i)
	}
	wg.Wait()
	pump(t, clk, 50*time.Millisecond, tickets...)

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestCloseResolvesQueuedTickets(t *testing.T) {
	clk := clock.Fake(epoch)
	l := New(Config{MinInterval: time.Hour, Clock: clk, Log: quietLogger()})

	first := l.Submit("first", func(context.Context) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, first.Wait(ctx))

	queued := l.Submit("queued", func(context.Context) error { return nil })
	l.Close()

	assert.ErrorIs(t, queued.Err(), ErrClosed)
	assert.ErrorIs(t, l.Submit("late", nil).Err(), ErrClosed)
}
