package activity

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/clock"
)

type recordingForwarder struct {
	sent []Entry
	err  error
}

func (r *recordingForwarder) PublishActivity(e Entry) error {
	r.sent = append(r.sent, e)
	return r.err
}

func setupLogTest(capacity int) (*Log, *clock.FakeClock, *recordingForwarder) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clk := clock.Fake(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	fwd := &recordingForwarder{}
	return New(Config{Capacity: capacity, Clock: clk, Log: logger, Forwarder: fwd}), clk, fwd
}

func TestAppendAssignsIdentityAndForwards(t *testing.T) {
	l, clk, fwd := setupLogTest(10)

	e, err := l.Append(Entry{Kind: KindEntry, Gate: "North Gate", BusID: 2, Actor: "gate@campus.edu"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, uint64(1), e.Seq)
	assert.Equal(t, clk.Now(), e.Time)
	require.Len(t, fwd.sent, 1)
	assert.Equal(t, e, fwd.sent[0])

	clk.Advance(time.Minute)
	e2, err := l.Append(Entry{Kind: KindExit, Gate: "North Gate"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.NotEqual(t, e.ID, e2.ID)
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	l, _, fwd := setupLogTest(10)

	for _, e := range []Entry{
		{Kind: "visit", Gate: "North Gate"},
		{Kind: KindEntry},
		{Kind: KindDriver, BusID: 3},
	} {
		_, err := l.Append(e)
		assert.ErrorIs(t, err, ErrInvalidEntry)
	}
	assert.Empty(t, l.Recent(0))
	assert.Empty(t, fwd.sent)
}

func TestForwardFailureKeepsEntry(t *testing.T) {
	l, _, fwd := setupLogTest(10)
	fwd.err = errors.New("nats: connection closed")

	_, err := l.Append(Entry{Kind: KindDriver, BusID: 3, Action: "advance"})
	require.NoError(t, err)
	assert.Len(t, l.Recent(0), 1)
}

func TestSubscribersReceivePushedEntries(t *testing.T) {
	l, _, _ := setupLogTest(10)

	var got []Entry
	unsubscribe := l.Subscribe(func(e Entry) { got = append(got, e) })
	_, err := l.Append(Entry{Kind: KindEntry, Gate: "East Gate"})
	require.NoError(t, err)
	unsubscribe()
	_, err = l.Append(Entry{Kind: KindExit, Gate: "East Gate"})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, KindEntry, got[0].Kind)
}

func TestHistoryIsBounded(t *testing.T) {
	l, _, _ := setupLogTest(3)
	for i := 1; i <= 5; i++ {
		_, err := l.Append(Entry{Kind: KindDriver, BusID: i, Action: "advance"})
		require.NoError(t, err)
	}

	recent := l.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, 5, recent[0].BusID)
	assert.Equal(t, 3, recent[2].BusID)

	assert.Len(t, l.Recent(2), 2)
	since := l.Since(4)
	require.Len(t, since, 1)
	assert.Equal(t, uint64(5), since[0].Seq)
}

func TestIngestDeduplicates(t *testing.T) {
	l, _, fwd := setupLogTest(10)
	remote := Entry{ID: "5b0f3c1e-0c7a-4bb5-9b39-3f1f0e6c2a11", Kind: KindEntry, Gate: "South Gate"}

	assert.True(t, l.Ingest(remote))
	assert.False(t, l.Ingest(remote))
	assert.False(t, l.Ingest(Entry{Kind: KindEntry, Gate: "South Gate"}), "entries without id are rejected")

	recent := l.Recent(0)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Time.IsZero())
	assert.Empty(t, fwd.sent, "ingested entries are not forwarded again")
}
