// Package controlplane assembles the security and compliance components over
// one storage backend.
package controlplane

import (
	"context"
	"errors"

	"github.com/juju/clock"

	"retailgate.in/internal/approval"
	"retailgate.in/internal/audit"
	"retailgate.in/internal/config"
	"retailgate.in/internal/export"
	"retailgate.in/internal/rbac"
	"retailgate.in/internal/settings"
	"retailgate.in/internal/stepup"
	"retailgate.in/internal/store/pg"
	"retailgate.in/internal/stream"
	"retailgate.in/internal/support"
)

// Stores is the persistence a Plane runs on.
type Stores struct {
	Roles       rbac.Store
	Audit       audit.Store
	StepUp      stepup.Store
	MagicLinks  stepup.MagicLinkStore
	Credentials stepup.CredentialSource
	Approvals   approval.Store
	Support     support.Store
	Exports     export.Store
	Settings    settings.Store
}

func (s Stores) validate() error {
	if s.Roles == nil || s.Audit == nil || s.StepUp == nil || s.Approvals == nil ||
		s.Support == nil || s.Exports == nil || s.Settings == nil {
		return errors.New("controlplane: incomplete store set")
	}
	return nil
}

// MemoryStores returns in-process stores. The credential source is returned
// separately so callers can enroll secrets.
func MemoryStores() (Stores, *stepup.MemoryCredentials) {
	creds := stepup.NewMemoryCredentials()
	return Stores{
		Roles:       rbac.NewMemoryStore(),
		Audit:       audit.NewMemoryStore(),
		StepUp:      stepup.NewMemoryStore(),
		MagicLinks:  stepup.NewMemoryMagicLinks(),
		Credentials: creds,
		Approvals:   approval.NewMemoryStore(),
		Support:     support.NewMemoryStore(),
		Exports:     export.NewMemoryStore(),
		Settings:    settings.NewMemoryStore(),
	}, creds
}

// PostgresStores binds every store to one database.
func PostgresStores(db *pg.Store) Stores {
	return Stores{
		Roles:       db,
		Audit:       db,
		StepUp:      db,
		MagicLinks:  db,
		Credentials: db,
		Approvals:   db,
		Support:     db,
		Exports:     db,
		Settings:    db,
	}
}

// Plane exposes the assembled services.
type Plane struct {
	Guard     *rbac.Guard
	Audit     *audit.Chain
	StepUp    *stepup.Service
	Approvals *approval.Service
	Support   *support.Service
	Exports   *export.Service
	Settings  *settings.Service
	Sweeper   *stepup.Sweeper
	Feed      *stream.Hub
	Clock     clock.Clock

	ready func(ctx context.Context) error
}

type options struct {
	clock         clock.Clock
	selfApproval  bool
	bootstrap     rbac.BootstrapPolicy
	readinessFunc func(ctx context.Context) error
}

// Option adjusts how New assembles a Plane.
type Option func(*options)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithSelfApproval lets a maker approve their own pending action.
func WithSelfApproval(allow bool) Option { return func(o *options) { o.selfApproval = allow } }

// WithBootstrap overrides the policy derived from configuration.
func WithBootstrap(p rbac.BootstrapPolicy) Option { return func(o *options) { o.bootstrap = p } }

// WithReadiness sets the probe behind Ready, typically a database ping.
func WithReadiness(fn func(ctx context.Context) error) Option {
	return func(o *options) { o.readinessFunc = fn }
}

// BootstrapPolicy maps a configured bootstrap mode onto a policy.
func BootstrapPolicy(mode string) rbac.BootstrapPolicy {
	switch mode {
	case config.BootstrapPersist:
		return rbac.DefaultRoleBootstrap{Persist: true}
	case config.BootstrapCall:
		return rbac.DefaultRoleBootstrap{}
	default:
		return rbac.NoBootstrap{}
	}
}

// Defaults converts service configuration into tenant defaults.
func Defaults(cfg *config.Config) settings.Defaults {
	d := settings.BuiltinDefaults()
	if cfg == nil {
		return d
	}
	sec := cfg.Security
	d.RefundThreshold = sec.RefundThreshold
	d.DiscountThreshold = sec.DiscountThreshold
	if sec.ExportRateLimit > 0 {
		d.ExportRateLimit = sec.ExportRateLimit
	}
	if sec.StepUpTimeoutMinutes > 0 {
		d.StepUpTimeoutMinutes = sec.StepUpTimeoutMinutes
	}
	if sec.SupportSessionMinutes > 0 {
		d.SupportSessionMinutes = sec.SupportSessionMinutes
	}
	return d
}

// New wires the components. A nil cfg uses config.Default().
func New(cfg *config.Config, stores Stores, opts ...Option) (*Plane, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := stores.validate(); err != nil {
		return nil, err
	}
	o := options{clock: clock.WallClock}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bootstrap == nil {
		o.bootstrap = BootstrapPolicy(cfg.BootstrapMode())
	}

	chain := audit.NewChain(stores.Audit, o.clock)
	feed := stream.New()
	chain.SetPublisher(feed)
	guard := rbac.NewGuard(stores.Roles,
		rbac.WithBootstrap(o.bootstrap),
		rbac.WithAudit(chain),
		rbac.WithClock(o.clock),
	)
	cfgSvc := settings.NewService(stores.Settings, guard, chain, Defaults(cfg), o.clock)

	var verifiers []stepup.Verifier
	if stores.Credentials != nil {
		verifiers = append(verifiers,
			stepup.PasswordVerifier{Credentials: stores.Credentials},
			stepup.TOTPVerifier{Credentials: stores.Credentials, Clock: o.clock},
		)
	}
	if stores.MagicLinks != nil {
		verifiers = append(verifiers, stepup.MagicLinkVerifier{Links: stores.MagicLinks, Clock: o.clock})
	}
	stepUp := stepup.NewService(stores.StepUp, cfgSvc, chain, o.clock, verifiers...)

	approvalOpts := []approval.Option{approval.WithClock(o.clock), approval.WithSelfApproval(o.selfApproval)}
	if d := cfg.PendingActionExpiry(); d > 0 {
		approvalOpts = append(approvalOpts, approval.WithDefaultExpiry(d))
	}
	approvals := approval.NewService(stores.Approvals, guard, chain, cfgSvc, approvalOpts...)

	supportSvc := support.NewService(stores.Support, guard, chain, cfgSvc, approvals, o.clock)
	guard.SetSupportGrants(supportSvc)

	exports := export.NewService(stores.Exports, guard, stepUp, chain, cfgSvc, o.clock)

	return &Plane{
		Guard:     guard,
		Audit:     chain,
		StepUp:    stepUp,
		Approvals: approvals,
		Support:   supportSvc,
		Exports:   exports,
		Settings:  cfgSvc,
		Sweeper:   stepup.NewSweeper(stores.StepUp, o.clock, cfg.StepUp.SweepInterval),
		Feed:      feed,
		Clock:     o.clock,
		ready:     o.readinessFunc,
	}, nil
}

// NewInMemory builds a Plane over in-process stores.
func NewInMemory(cfg *config.Config, opts ...Option) (*Plane, *stepup.MemoryCredentials, error) {
	stores, creds := MemoryStores()
	p, err := New(cfg, stores, opts...)
	if err != nil {
		return nil, nil, err
	}
	return p, creds, nil
}

// NewPostgres builds a Plane over db; readiness pings the database.
func NewPostgres(db *pg.Store, cfg *config.Config, opts ...Option) (*Plane, error) {
	opts = append([]Option{WithReadiness(db.Ping)}, opts...)
	return New(cfg, PostgresStores(db), opts...)
}

// Ready reports whether the backing storage can serve requests.
func (p *Plane) Ready(ctx context.Context) error {
	if p.ready == nil {
		return nil
	}
	return p.ready(ctx)
}
