package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"bus-tracker/internal/clock"
	"bus-tracker/internal/metrics"
)

const issuer = "bus-tracker"

// Claims is the payload of a session token.
type Claims struct {
	Name  string `json:"name"`
	Role  Role   `json:"role"`
	BusID *int   `json:"bus_id,omitempty"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret            []byte
	TokenTTL          time.Duration
	AttemptsPerMinute int // zero disables throttling
	// CleanupInterval is how often idle throttles and expired sessions
	// are dropped. Defaults to five minutes.
	CleanupInterval time.Duration
	Clock           clock.Clock
	Log               logrus.FieldLogger
	Metrics           *metrics.Collector
}

// Provider signs users in against a CredentialStore and tracks the live
// sessions it issued.
type Provider struct {
	creds   CredentialStore
	secret  []byte
	ttl     time.Duration
	clock   clock.Clock
	log     logrus.FieldLogger
	metrics *metrics.Collector

	attemptLimit rate.Limit
	attemptBurst int
	limiterMu    sync.RWMutex
	limiters     map[string]*rate.Limiter

	mu       sync.Mutex
	sessions map[string]Identity // by token id

	stop context.CancelFunc
	wg   sync.WaitGroup

	obsMu     sync.Mutex
	observers map[int]func(Identity, bool)
	nextObs   int
}

func NewProvider(creds CredentialStore, cfg Config) (*Provider, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: empty token secret")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	p := &Provider{
		creds:        creds,
		secret:       cfg.Secret,
		ttl:          cfg.TokenTTL,
		clock:        cfg.Clock,
		log:          cfg.Log.WithField("component", "auth"),
		metrics:      cfg.Metrics,
		attemptLimit: rate.Inf,
		limiters:     make(map[string]*rate.Limiter),
		sessions:     make(map[string]Identity),
		observers:    make(map[int]func(Identity, bool)),
	}
	if cfg.AttemptsPerMinute > 0 {
		p.attemptLimit = rate.Every(time.Minute / time.Duration(cfg.AttemptsPerMinute))
		p.attemptBurst = cfg.AttemptsPerMinute
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	p.wg.Add(1)
	go p.cleanup(ctx, cfg.CleanupInterval)
	return p, nil
}

// Stop ends the cleanup loop.
func (p *Provider) Stop() {
	p.stop()
	p.wg.Wait()
}

func (p *Provider) cleanup(ctx context.Context, every time.Duration) {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiters, sessions := p.sweep(p.clock.Now())
			if limiters > 0 || sessions > 0 {
				p.log.WithFields(logrus.Fields{"limiters": limiters, "sessions": sessions}).Debug("auth cleanup")
			}
		}
	}
}

// sweep drops throttles whose bucket has refilled, which makes them
// indistinguishable from a new one, and sessions past their expiry.
func (p *Provider) sweep(now time.Time) (limiters, sessions int) {
	p.limiterMu.Lock()
	for key, l := range p.limiters {
		if l.TokensAt(now) >= float64(p.attemptBurst) {
			delete(p.limiters, key)
			limiters++
		}
	}
	p.limiterMu.Unlock()

	p.mu.Lock()
	for jti, id := range p.sessions {
		if !now.Before(id.ExpiresAt) {
			delete(p.sessions, jti)
			sessions++
		}
	}
	p.mu.Unlock()
	return limiters, sessions
}

// SignIn checks identifier and secret and opens a session. Errors are
// ErrInvalidCredentials, ErrTooManyAttempts or ErrNetwork.
func (p *Provider) SignIn(ctx context.Context, identifier, secret string) (Identity, error) {
	identifier = normalizeIdentifier(identifier)
	log := p.log.WithField("identifier", identifier)

	if !p.allow(identifier) {
		p.count("throttled")
		log.Warn("sign-in throttled")
		return Identity{}, ErrTooManyAttempts
	}

	acct, err := p.creds.Lookup(ctx, identifier)
	if errors.Is(err, ErrNoAccount) {
		p.count("invalid")
		return Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		p.count("error")
		log.WithError(err).Error("credential lookup failed")
		return Identity{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.SecretHash), []byte(secret)); err != nil {
		p.count("invalid")
		return Identity{}, ErrInvalidCredentials
	}

	id, err := p.issue(acct)
	if err != nil {
		p.count("error")
		return Identity{}, err
	}
	p.count("ok")
	log.WithField("role", id.Role).Info("signed in")
	p.notify(id, true)
	return id, nil
}

func (p *Provider) issue(acct Account) (Identity, error) {
	now := p.clock.Now()
	jti := uuid.NewString()
	claims := Claims{
		Name:  acct.Name,
		Role:  acct.Role,
		BusID: acct.BusID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   acct.Identifier,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return Identity{}, fmt.Errorf("sign token: %w", err)
	}
	id := Identity{
		Subject:   acct.Identifier,
		Name:      acct.Name,
		Role:      acct.Role,
		BusID:     acct.BusID,
		Token:     signed,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	p.mu.Lock()
	p.sessions[jti] = id
	p.mu.Unlock()
	return id, nil
}

// Verify returns the identity of a live session token.
func (p *Provider) Verify(token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(p.clock.Now),
	)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	p.mu.Lock()
	id, ok := p.sessions[claims.ID]
	p.mu.Unlock()
	if !ok {
		return Identity{}, fmt.Errorf("%w: session ended", ErrInvalidToken)
	}
	return id, nil
}

// SignOut ends every session of identifier.
func (p *Provider) SignOut(identifier string) {
	identifier = normalizeIdentifier(identifier)
	var ended *Identity
	p.mu.Lock()
	for jti, id := range p.sessions {
		if id.Subject == identifier {
			delete(p.sessions, jti)
			id := id
			ended = &id
		}
	}
	p.mu.Unlock()
	if ended != nil {
		p.log.WithField("identifier", identifier).Info("signed out")
		p.notify(*ended, false)
	}
}

// OnIdentityChange calls fn with signedIn=true after every sign-in and
// signedIn=false after a sign-out.
func (p *Provider) OnIdentityChange(fn func(id Identity, signedIn bool)) (unsubscribe func()) {
	p.obsMu.Lock()
	key := p.nextObs
	p.nextObs++
	p.observers[key] = fn
	p.obsMu.Unlock()
	return func() {
		p.obsMu.Lock()
		delete(p.observers, key)
		p.obsMu.Unlock()
	}
}

func (p *Provider) notify(id Identity, signedIn bool) {
	p.obsMu.Lock()
	fns := make([]func(Identity, bool), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.obsMu.Unlock()
	for _, fn := range fns {
		fn(id, signedIn)
	}
}

// allow takes one attempt from the identifier's bucket. The attempt is
// taken under the map lock so a sweep cannot drop the bucket in between.
func (p *Provider) allow(identifier string) bool {
	if p.attemptLimit == rate.Inf {
		return true
	}
	now := p.clock.Now()

	p.limiterMu.RLock()
	if l, ok := p.limiters[identifier]; ok {
		allowed := l.AllowN(now, 1)
		p.limiterMu.RUnlock()
		return allowed
	}
	p.limiterMu.RUnlock()

	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()
	l, ok := p.limiters[identifier]
	if !ok {
		l = rate.NewLimiter(p.attemptLimit, p.attemptBurst)
		p.limiters[identifier] = l
	}
	return l.AllowN(now, 1)
}

func (p *Provider) count(result string) {
	if p.metrics != nil {
		p.metrics.SignIns.WithLabelValues(result).Inc()
	}
}
