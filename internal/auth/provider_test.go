package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"bus-tracker/internal/clock"
)

var epoch = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

func hash(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func intPtr(v int) *int { return &v }

type failingCreds struct{ err error }

func (f failingCreds) Lookup(context.Context, string) (Account, error) { return Account{}, f.err }

func setupProviderTest(t *testing.T, attempts int) (*Provider, *clock.FakeClock) {
	t.Helper()
	creds, err := NewStaticCredentials([]Account{
		{Identifier: "Driver3@Campus.edu", Name: "Ravi", Role: RoleDriver, BusID: intPtr(3), SecretHash: hash(t, "route-3")},
		{Identifier: "gate@campus.edu", Name: "Gate A", Role: RoleSecurity, SecretHash: hash(t, "gate-a")},
	})
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clk := clock.Fake(epoch)
	p, err := NewProvider(creds, Config{
		Secret:            []byte("test-secret-key-123456789"),
		TokenTTL:          time.Hour,
		AttemptsPerMinute: attempts,
		Clock:             clk,
		Log:               logger,
	})
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p, clk
}

func TestSignInAndVerify(t *testing.T) {
	p, _ := setupProviderTest(t, 0)

	id, err := p.SignIn(context.Background(), " driver3@campus.edu", "route-3")
	require.NoError(t, err)
	assert.Equal(t, "driver3@campus.edu", id.Subject)
	assert.Equal(t, RoleDriver, id.Role)
	assert.Equal(t, epoch.Add(time.Hour), id.ExpiresAt)
	require.NotEmpty(t, id.Token)

	got, err := p.Verify(id.Token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.True(t, got.CanDrive(3))
	assert.False(t, got.CanDrive(4))
	assert.False(t, got.CanLogActivity())
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	p, _ := setupProviderTest(t, 0)

	_, err := p.SignIn(context.Background(), "driver3@campus.edu", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, "Invalid email or password.", UserMessage(err))

	_, err = p.SignIn(context.Background(), "nobody@campus.edu", "route-3")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignInReportsStoreFailureAsNetworkError(t *testing.T) {
	p, err := NewProvider(failingCreds{err: errors.New("dial tcp: connection refused")}, Config{Secret: []byte("k")})
	require.NoError(t, err)

	_, err = p.SignIn(context.Background(), "gate@campus.edu", "gate-a")
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, "Network error. Check your connection and try again.", UserMessage(err))
}

func TestSignInThrottlesPerIdentifier(t *testing.T) {
	p, clk := setupProviderTest(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.SignIn(ctx, "driver3@campus.edu", "guess")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := p.SignIn(ctx, "driver3@campus.edu", "route-3")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Contains(t, UserMessage(err), "Too many sign-in attempts")

	_, err = p.SignIn(ctx, "gate@campus.edu", "gate-a")
	assert.NoError(t, err, "other identifiers have their own budget")

	clk.Advance(20 * time.Second)
	_, err = p.SignIn(ctx, "driver3@campus.edu", "route-3")
	assert.NoError(t, err)
}

func TestSignOutEndsSessions(t *testing.T) {
	p, _ := setupProviderTest(t, 0)

	var events []bool
	unsubscribe := p.OnIdentityChange(func(id Identity, signedIn bool) {
		assert.Equal(t, "gate@campus.edu", id.Subject)
		events = append(events, signedIn)
	})
	defer unsubscribe()

	id, err := p.SignIn(context.Background(), "gate@campus.edu", "gate-a")
	require.NoError(t, err)
	p.SignOut("GATE@campus.edu")
	p.SignOut("gate@campus.edu")

	assert.Equal(t, []bool{true, false}, events)
	_, err = p.Verify(id.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	p, clk := setupProviderTest(t, 0)
	id, err := p.SignIn(context.Background(), "gate@campus.edu", "gate-a")
	require.NoError(t, err)

	other, _ := setupProviderTest(t, 0)
	other.secret = []byte("another-secret")
	foreign, err := other.SignIn(context.Background(), "gate@campus.edu", "gate-a")
	require.NoError(t, err)
	_, err = p.Verify(foreign.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = p.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	clk.Advance(2 * time.Hour)
	_, err = p.Verify(id.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, "Your session has expired. Please sign in again.", UserMessage(err))
}

func TestCleanupDropsIdleThrottlesAndExpiredSessions(t *testing.T) {
	p, clk := setupProviderTest(t, 3)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		_, err := p.SignIn(ctx, fmt.Sprintf("guess-%d@campus.edu", i), "x")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := p.SignIn(ctx, "gate@campus.edu", "gate-a")
	require.NoError(t, err)
	assert.Equal(t, 501, limiterCount(p))
	assert.Equal(t, 1, sessionCount(p))

	clk.WaitForTimers(1)
	clk.Advance(24 * time.Hour)
	assert.Eventually(t, func() bool {
		return limiterCount(p) == 0 && sessionCount(p) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSweepKeepsActiveThrottlesAndSessions(t *testing.T) {
	p, clk := setupProviderTest(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = p.SignIn(ctx, "driver3@campus.edu", "guess")
	}
	_, err := p.SignIn(ctx, "gate@campus.edu", "gate-a")
	require.NoError(t, err)

	limiters, sessions := p.sweep(clk.Now().Add(10 * time.Second))
	assert.Equal(t, 0, limiters, "partly drained buckets are kept")
	assert.Equal(t, 0, sessions)

	_, err = p.SignIn(ctx, "driver3@campus.edu", "route-3")
	assert.ErrorIs(t, err, ErrTooManyAttempts, "throttle survives the sweep")
}

func limiterCount(p *Provider) int {
	p.limiterMu.RLock()
	defer p.limiterMu.RUnlock()
	return len(p.limiters)
}

func sessionCount(p *Provider) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func TestRoles(t *testing.T) {
	admin := Identity{Role: RoleAdmin}
	assert.True(t, admin.CanDrive(9))
	assert.True(t, admin.CanLogActivity())
	assert.False(t, Identity{Role: RoleDriver}.CanDrive(1))
	assert.False(t, Role("pilot").Valid())

	_, err := NewStaticCredentials([]Account{{Identifier: "x", Role: "pilot"}})
	assert.Error(t, err)
}
