// Package imap manages mailbox access: a bounded per-account connection pool,
// XOAUTH2 authentication and the subject scanner.
package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-imap/client"

	"github.com/cuenly/invoice-ingest/internal/models"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
)

var (
	// ErrPoolExhausted means the account already has the maximum number of
	// active sessions.
	ErrPoolExhausted = errors.New("imap: connection pool exhausted")
	// ErrAuthFailed means the server rejected the credentials. Not retried.
	ErrAuthFailed = errors.New("imap: authentication failed")
)

const (
	defaultMaxIdle   = 5
	defaultMaxActive = 5
	defaultIdleTTL   = 300 * time.Second
	noopTimeout      = 10 * time.Second
	dialRetries      = 3
	dialBackoffBase  = 2 * time.Second
	sweepInterval    = 30 * time.Second
)

// Session is a pooled IMAP connection.
type Session struct {
	Client *client.Client
	key    string
	idleAt time.Time
}

// KeyStats is the observable state of one pool key.
type KeyStats struct {
	Idle      int    `json:"idle"`
	Active    int    `json:"active"`
	LastError string `json:"last_error,omitempty"`
}

// Pool keeps bounded per-account IMAP sessions. Keyed by
// (host, port, username); each key owns a FIFO of idle sessions and a count
// of active ones.
type Pool struct {
	maxIdle   int
	maxActive int
	idleTTL   time.Duration

	mu      sync.Mutex
	idle    map[string][]*Session
	active  map[string]int
	lastErr map[string]string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a connection pool with default bounds and starts the idle
// sweeper.
func NewPool() *Pool {
	p := &Pool{
		maxIdle:   defaultMaxIdle,
		maxActive: defaultMaxActive,
		idleTTL:   defaultIdleTTL,
		idle:      make(map[string][]*Session),
		active:    make(map[string]int),
		lastErr:   make(map[string]string),
		stopCh:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweep()
	return p
}

func poolKey(cfg models.EmailConfig) string {
	return fmt.Sprintf("%s:%d:%s", cfg.Host, cfg.Port, cfg.Username)
}

// Get returns a healthy session for the account, reusing idle ones when
// possible. Credentials must already be decrypted (and OAuth tokens fresh).
func (p *Pool) Get(cfg models.EmailConfig) (*Session, error) {
	key := poolKey(cfg)

	for {
		s := p.popIdle(key)
		if s == nil {
			break
		}
		if healthy(s.Client) {
			p.mu.Lock()
			p.active[key]++
			p.mu.Unlock()
			return s, nil
		}
		s.Client.Logout()
	}

	p.mu.Lock()
	if p.active[key] >= p.maxActive {
		p.lastErr[key] = fmt.Sprintf("pool exhausted: %d active sessions", p.active[key])
		p.mu.Unlock()
		return nil, fmt.Errorf("%w for %s", ErrPoolExhausted, key)
	}
	p.active[key]++
	p.mu.Unlock()

	s, err := p.dial(cfg, key)
	if err != nil {
		p.mu.Lock()
		p.active[key]--
		p.lastErr[key] = err.Error()
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	delete(p.lastErr, key)
	p.mu.Unlock()
	return s, nil
}

func (p *Pool) popIdle(key string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.idle[key]
	if len(q) == 0 {
		return nil
	}
	s := q[0]
	p.idle[key] = q[1:]
	return s
}

// Put returns a session to the pool. Unhealthy or surplus sessions are
// closed.
func (p *Pool) Put(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if p.active[s.key] > 0 {
		p.active[s.key]--
	}
	p.mu.Unlock()

	if !healthy(s.Client) {
		s.Client.Logout()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle[s.key]) >= p.maxIdle {
		go s.Client.Logout()
		return
	}
	s.idleAt = time.Now()
	p.idle[s.key] = append(p.idle[s.key], s)
}

// Discard drops a session without returning it, for callers that know the
// connection is broken.
func (p *Pool) Discard(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if p.active[s.key] > 0 {
		p.active[s.key]--
	}
	p.mu.Unlock()
	go s.Client.Logout()
}

// Stats returns a snapshot of every known pool key.
func (p *Pool) Stats() map[string]KeyStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]KeyStats)
	for key, q := range p.idle {
		st := out[key]
		st.Idle = len(q)
		out[key] = st
	}
	for key, n := range p.active {
		st := out[key]
		st.Active = n
		out[key] = st
	}
	for key, msg := range p.lastErr {
		st := out[key]
		st.LastError = msg
		out[key] = st
	}
	return out
}

// LastError returns the stored human-readable error for an account, if any.
func (p *Pool) LastError(cfg models.EmailConfig) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr[poolKey(cfg)]
}

// CloseAll drains the pool and stops the sweeper. Called on shutdown.
func (p *Pool) CloseAll() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, q := range p.idle {
		for _, s := range q {
			s.Client.Logout()
		}
		delete(p.idle, key)
	}
}

// dial creates and authenticates a new session with retries. Authentication
// failures abort immediately.
func (p *Pool) dial(cfg models.EmailConfig, key string) (*Session, error) {
	var c *client.Client

	op := func() error {
		var err error
		c, err = connect(cfg)
		if err == nil {
			err = authenticate(c, cfg)
			if err != nil {
				c.Logout()
			}
		}
		if err != nil && isAuthError(err) {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrAuthFailed, err))
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = dialBackoffBase
	bo.RandomizationFactor = 0.2

	err := backoff.Retry(op, backoff.WithMaxRetries(bo, dialRetries))
	if err != nil {
		logger.Warn("imap", "session dial failed",
			"account", cfg.Username, "host", cfg.Host, "error", err.Error())
		return nil, err
	}
	return &Session{Client: c, key: key}, nil
}

func connect(cfg models.EmailConfig) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if cfg.UseSSL || cfg.Port == 993 {
		return client.DialTLS(addr, &tls.Config{ServerName: cfg.Host})
	}
	c, err := client.Dial(addr)
	if err != nil {
		return nil, err
	}
	if err := c.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
		c.Logout()
		return nil, err
	}
	return c, nil
}

func authenticate(c *client.Client, cfg models.EmailConfig) error {
	if cfg.AuthType == models.AuthOAuth2 {
		return c.Authenticate(NewXOAuth2(cfg.Username, cfg.AccessToken))
	}
	return c.Login(cfg.Username, cfg.Password)
}

// isAuthError classifies server rejections that retrying cannot fix.
func isAuthError(err error) bool {
	msg := strings.ToUpper(err.Error())
	for _, marker := range []string{
		"AUTHENTICATIONFAILED",
		"AUTHENTICATION FAILED",
		"INVALID CREDENTIALS",
		"LOGIN FAILED",
		"XOAUTH2: AUTHENTICATION FAILED",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// healthy runs a short-deadline NOOP.
func healthy(c *client.Client) bool {
	if c == nil {
		return false
	}
	c.Timeout = noopTimeout
	err := c.Noop()
	c.Timeout = 0
	return err == nil
}

// sweep closes sessions idle past the TTL.
func (p *Pool) sweep() {
	defer p.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.idleTTL)
			var stale []*Session

			p.mu.Lock()
			for key, q := range p.idle {
				kept := q[:0]
				for _, s := range q {
					if s.idleAt.Before(cutoff) {
						stale = append(stale, s)
					} else {
						kept = append(kept, s)
					}
				}
				p.idle[key] = kept
			}
			p.mu.Unlock()

			for _, s := range stale {
				s.Client.Logout()
			}
			if len(stale) > 0 {
				logger.Debug("imap", "swept idle sessions", "count", len(stale))
			}
		}
	}
}
