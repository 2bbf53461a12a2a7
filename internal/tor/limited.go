package tor

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/torpeer/internal/httpclient"
	"github.com/nao1215/torpeer/internal/model"
)

// Validation handshake parameters.
const (
	// ValidationPath is requested on the onion service and served locally.
	ValidationPath = "/validate"
	// ValidationTokenHeader carries the per-attempt token on the outbound GET.
	ValidationTokenHeader = "X-Onion-Validation-Token"
	// DefaultValidationTimeout bounds a single validation attempt.
	DefaultValidationTimeout = 30 * time.Second

	maxValidationBody = 1 << 10
)

// LimitedConfig configures LimitedMode.
//
// Design decision: We validate the onion service end to end instead of
// trusting the configuration because:
//  1. There is no control port to ask whether the service is published
//  2. A wrong LocalPort or a stale onion address only shows up as silence
//  3. Failing at setup is easier to diagnose than peers that never connect
type LimitedConfig struct {
	// TorDir holds key backups. No Tor state lives here in this mode.
	TorDir string

	// Socks is the externally managed Tor SOCKS5 proxy. It is required.
	Socks model.Socks5Proxy

	// Onion is the already published onion hostname and port. It must be
	// a .onion address.
	Onion model.NodeAddress

	// LocalPort is where the onion service forwards to. It is required
	// and must be free while validation runs.
	LocalPort uint16

	// ValidationTimeout bounds one attempt, from the SOCKS check to the
	// token arriving on LocalPort. Zero uses DefaultValidationTimeout.
	ValidationTimeout time.Duration
}

// LimitedMode uses an externally managed Tor and onion service. It never
// talks to the control port. Instead it proves that the onion address
// forwards to LocalPort with an HTTP challenge over the SOCKS proxy.
type LimitedMode struct {
	modeBase
	cfg LimitedConfig

	newToken func() string
}

var _ Mode = (*LimitedMode)(nil)

// NewLimitedMode creates the LimitedRunningTor variant.
func NewLimitedMode(cfg LimitedConfig, opts ...ModeOption) (*LimitedMode, error) {
	base, err := newModeBase(cfg.TorDir, opts)
	if err != nil {
		return nil, err
	}
	if cfg.Socks.IsZero() {
		return nil, errors.New("limited mode requires a SOCKS5 proxy")
	}
	if !cfg.Onion.IsOnion() {
		return nil, fmt.Errorf("limited mode requires an onion address, got %q", cfg.Onion.String())
	}
	if cfg.LocalPort == 0 {
		return nil, errors.New("limited mode requires a local port")
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = DefaultValidationTimeout
	}
	return &LimitedMode{
		modeBase: base,
		cfg:      cfg,
		newToken: uuid.NewString,
	}, nil
}

// Kind implements Mode.
func (m *LimitedMode) Kind() ModeKind {
	return ModeLimitedRunningTor
}

// LocalPort returns the port the external onion service forwards to.
func (m *LimitedMode) LocalPort() uint16 {
	return m.cfg.LocalPort
}

// GetTor implements Mode. The returned handle has no control connection; it
// carries the fixed SOCKS proxy and the external onion address.
func (m *LimitedMode) GetTor(ctx context.Context) (*Tor, error) {
	err := m.retry.run(ctx, m.logger, "validate onion service", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.ValidationTimeout)
		defer cancel()
		return m.validate(ctx)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("validated external onion service", "onion", m.cfg.Onion.String(), "localPort", m.cfg.LocalPort)

	return NewExternalHandle(m.cfg.Socks, m.cfg.Onion, m.logger), nil
}

// validate runs one challenge: the token goes out on a GET to the onion
// service and must come back to LocalPort in a header or a request body.
func (m *LimitedMode) validate(ctx context.Context) error {
	if status := ProbeSocks5(ctx, m.cfg.Socks.Addr(), DefaultProbeTimeout); status != ProxyStatusOK {
		return fmt.Errorf("proxy %s: %w", m.cfg.Socks.Addr(), status.Err())
	}

	token := m.newToken()

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(m.cfg.LocalPort))))
	if err != nil {
		return newSetupError(KindIOFailure, "listen for validation", err)
	}

	received := make(chan struct{})
	srv := &http.Server{
		Handler:           validationHandler(token, received),
		ReadHeaderTimeout: m.cfg.ValidationTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	defer func() {
		_ = srv.Close() //nolint:errcheck // listener is per attempt
		<-serveErr
	}()

	if err := m.requestValidation(ctx, token); err != nil {
		return err
	}

	select {
	case <-received:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: token never reached local port %d: %w", ErrValidationFailed, m.cfg.LocalPort, ctx.Err())
	}
}

// requestValidation issues the outbound GET through the SOCKS proxy.
func (m *LimitedMode) requestValidation(ctx context.Context, token string) error {
	client, err := httpclient.New("http://"+m.cfg.Onion.String(),
		httpclient.WithSocks5Proxy(m.cfg.Socks),
		httpclient.WithTimeout(m.cfg.ValidationTimeout),
		httpclient.WithLogger(m.logger),
	)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set(ValidationTokenHeader, token)
	if _, err := client.Get(ctx, ValidationPath, header); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return nil
}

// validationHandler answers 200 OK and closes received once a request
// carries token, either in the ValidationTokenHeader header or in the body.
// The header form covers an onion service that forwards straight to
// LocalPort; the body form covers a responder that relays the token.
func validationHandler(token string, received chan<- struct{}) http.Handler {
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc(ValidationPath, func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(r.Header.Get(ValidationTokenHeader), token) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxValidationBody))
			if err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if !tokenMatches(strings.TrimSpace(string(body)), token) {
				http.Error(w, "token mismatch", http.StatusForbidden)
				return
			}
		}
		w.WriteHeader(http.StatusOK)

		once.Do(func() { close(received) })
	})
	return mux
}

func tokenMatches(got, token string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
