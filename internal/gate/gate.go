// Package gate runs the decide and consume flows: admission, ticket
// minting, ticket redemption and replay protection, with every outcome
// appended to the audit ledger before a response leaves.
package gate

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/tollgate/internal/admission"
	"github.com/davidahmann/tollgate/internal/authz"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/replay"
	"github.com/davidahmann/tollgate/internal/signals"
	"github.com/davidahmann/tollgate/internal/ticket"
)

const (
	DefaultTTL    = 60 * time.Second
	DefaultMaxTTL = 600 * time.Second
)

const tracerName = "github.com/davidahmann/tollgate/internal/gate"

type Options struct {
	Scorer    *signals.Scorer
	Admission *admission.Policy
	Issuer    *ticket.Issuer
	Replay    replay.Guard
	Ledger    *ledger.Ledger
	// Authz is optional; nil disables authorization.
	Authz *authz.Matcher

	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// ReplayMargin is added to the ticket TTL when recording a replay marker.
	ReplayMargin time.Duration

	Logger *slog.Logger
	Tracer trace.Tracer
}

type Service struct {
	scorer    *signals.Scorer
	admission *admission.Policy
	issuer    *ticket.Issuer
	replay    replay.Guard
	ledger    *ledger.Ledger
	authz     *authz.Matcher

	defaultTTL   time.Duration
	maxTTL       time.Duration
	replayMargin time.Duration

	log    *slog.Logger
	tracer trace.Tracer
}

func New(opts Options) (*Service, error) {
	switch {
	case opts.Admission == nil:
		return nil, errors.New("gate: admission policy is required")
	case opts.Issuer == nil:
		return nil, errors.New("gate: ticket issuer is required")
	case opts.Replay == nil:
		return nil, errors.New("gate: replay guard is required")
	case opts.Ledger == nil:
		return nil, errors.New("gate: audit ledger is required")
	}
	s := &Service{
		scorer:       opts.Scorer,
		admission:    opts.Admission,
		issuer:       opts.Issuer,
		replay:       opts.Replay,
		ledger:       opts.Ledger,
		authz:        opts.Authz,
		defaultTTL:   opts.DefaultTTL,
		maxTTL:       opts.MaxTTL,
		replayMargin: opts.ReplayMargin,
		log:          opts.Logger,
		tracer:       opts.Tracer,
	}
	if s.scorer == nil {
		sc, err := signals.NewScorer(nil)
		if err != nil {
			return nil, err
		}
		s.scorer = sc
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = DefaultTTL
	}
	if s.maxTTL <= 0 {
		s.maxTTL = DefaultMaxTTL
	}
	if s.defaultTTL > s.maxTTL {
		s.defaultTTL = s.maxTTL
	}
	if s.replayMargin < 0 {
		s.replayMargin = 0
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	return s, nil
}

func (s *Service) Admission() *admission.Policy { return s.admission }

func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Authz returns the matcher, or nil when authorization is disabled.
func (s *Service) Authz() *authz.Matcher { return s.authz }

// ticketTTL resolves the tool's TTL against the configured default and cap.
func (s *Service) ticketTTL(toolTTLSeconds int) time.Duration {
	ttl := s.defaultTTL
	if toolTTLSeconds > 0 {
		ttl = time.Duration(toolTTLSeconds) * time.Second
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	return ttl
}
