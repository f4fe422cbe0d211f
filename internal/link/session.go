package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hako/durafmt"
	"golang.org/x/time/rate"

	"github.com/finsync/finsync/internal/logger"
	"github.com/finsync/finsync/internal/plaid"
	"github.com/finsync/finsync/internal/vault"
)

const (
	// DefaultTimeout bounds how long a session waits for the browser
	DefaultTimeout = 10 * time.Minute
	// UnknownInstitution is recorded when the institution lookup fails
	UnknownInstitution = "unknown"
)

var (
	// ErrTimeout is returned by Wait when no account was linked in time
	ErrTimeout = errors.New("timed out waiting for account link")
	// ErrStateMismatch is returned for callbacks carrying the wrong state
	ErrStateMismatch = errors.New("link state mismatch")
)

// Linker is the part of the Plaid API used while linking an account
type Linker interface {
	CreateLinkToken(ctx context.Context, req plaid.LinkTokenRequest) (string, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (*plaid.Exchange, error)
	GetItem(ctx context.Context, accessToken string) (*plaid.Item, error)
	GetInstitution(ctx context.Context, institutionID string, countryCodes []string) (*plaid.Institution, error)
}

// Result is one freshly linked item
type Result struct {
	ItemID string
	Record vault.CredentialRecord
}

// Options configures a Session
type Options struct {
	ListenAddr string
	Timeout    time.Duration
	// LinkToken is the template for every link token request
	LinkToken plaid.LinkTokenRequest
	Logger    logger.Logger
}

// Session serves the Link page and collects the first successful exchange.
// It never touches the token vault; the caller merges the Result.
type Session struct {
	linker    Linker
	opts      Options
	state     string
	expiresAt time.Time

	// claimed is set by the first callback that gets to exchange
	claimed atomic.Bool
	results chan Result
	errs    chan error

	indexLimit    *rate.Limiter
	callbackLimit *rate.Limiter

	server   *http.Server
	listener net.Listener
}

// NewSession creates a session with a fresh state value
func NewSession(linker Linker, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	s := &Session{
		linker:    linker,
		opts:      opts,
		state:     uuid.NewString(),
		expiresAt: time.Now().Add(opts.Timeout),
		results:   make(chan Result, 1),
		errs:      make(chan error, 1),

		indexLimit:    rate.NewLimiter(indexRate, rateBurst),
		callbackLimit: rate.NewLimiter(callbackRate, rateBurst),
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// State returns the value the callback must echo back
func (s *Session) State() string {
	return s.state
}

// Start binds the listen address and serves in the background
func (s *Session) Start() error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.ListenAddr, err)
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fail(fmt.Errorf("link server failed: %w", err))
		}
	}()
	s.opts.Logger.Debugf("Link server listening on %s", ln.Addr())
	return nil
}

// URL returns the address to open in a browser. Only valid after Start.
func (s *Session) URL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String() + "/"
}

// Wait blocks until an item is linked, a handler fails, ctx is done or the
// session times out.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	remaining := time.Until(s.expiresAt)
	s.opts.Logger.Infof("Waiting up to %s for the account link to complete", durafmt.Parse(remaining.Round(time.Second)))

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case res := <-s.results:
		return &res, nil
	case err := <-s.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrTimeout, durafmt.Parse(s.opts.Timeout))
	}
}

// Close shuts the server down gracefully
func (s *Session) Close(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down link server: %w", err)
	}
	return nil
}

func (s *Session) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
