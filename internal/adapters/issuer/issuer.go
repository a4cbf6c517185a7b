package issuer

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"github.com/google/uuid"
)

type Issuer struct {
	repo   ports.CredentialRepository
	events ports.EventBus
	config domain.IssuerConfig
	logger *slog.Logger
	now    func() time.Time
}

var _ ports.CredentialIssuer = (*Issuer)(nil)

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func WithEventBus(bus ports.EventBus) Option {
	return func(i *Issuer) { i.events = bus }
}

func New(repo ports.CredentialRepository, config domain.IssuerConfig, logger *slog.Logger, opts ...Option) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}

	i := &Issuer{
		repo:   repo,
		config: config,
		logger: logger.With("component", "issuer"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Issuer) IssueCredential(ctx context.Context, owner string) (*domain.Credential, error) {
	if err := domain.ValidateOwner(owner); err != nil {
		return nil, err
	}

	cred := domain.NewCredential(uuid.New().String(), owner, i.now())
	if err := i.repo.Create(ctx, cred.ID, cred); err != nil {
		return nil, err
	}

	i.logger.Info("credential issued", "credential_id", cred.ID, "owner", owner)
	i.publish(domain.Event{Type: domain.EventCredentialIssued, Owner: owner, Timestamp: cred.IssuedAt})
	return cred, nil
}

// RedeemCredential consumes an unused credential and returns its owner. Of
// any number of concurrent redemptions of one credential exactly one wins.
func (i *Issuer) RedeemCredential(ctx context.Context, credentialID string) (string, error) {
	if credentialID == "" {
		return "", domain.NewNotFoundError("credential", credentialID)
	}

	now := i.now()
	cred, err := i.repo.Update(ctx, credentialID, func(c *domain.Credential) error {
		return c.Redeem(now, i.config.CredentialTTL)
	})
	if err != nil {
		i.logger.Debug("credential redemption rejected", "credential_id", credentialID, "error", err)
		return "", err
	}

	i.logger.Info("credential redeemed", "credential_id", credentialID, "owner", cred.Owner)
	return cred.Owner, nil
}

// Reclaim deletes credentials that expired unused and used credentials past
// their retention window. It returns how many were removed.
func (i *Issuer) Reclaim(ctx context.Context) (int, error) {
	creds, err := i.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	now := i.now()
	removed := 0
	for _, cred := range creds {
		if !cred.Reclaimable(now, i.config.CredentialTTL, i.config.UsedRetention) {
			continue
		}
		deleted, err := i.repo.DeleteIf(ctx, cred.ID, func(c *domain.Credential) bool {
			return c.Reclaimable(now, i.config.CredentialTTL, i.config.UsedRetention)
		})
		if err != nil {
			i.logger.Warn("failed to reclaim credential", "credential_id", cred.ID, "error", err)
			continue
		}
		if deleted {
			removed++
		}
	}

	if removed > 0 {
		i.logger.Debug("credentials reclaimed", "count", removed)
	}
	return removed, nil
}

// Run reclaims credentials every SweepInterval until ctx is done.
func (i *Issuer) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := i.Reclaim(ctx); err != nil {
				i.logger.Error("credential sweep failed", "error", err)
			}
		}
	}
}

func (i *Issuer) CredentialTTL() time.Duration {
	return i.config.CredentialTTL
}

func (i *Issuer) publish(event domain.Event) {
	if i.events != nil {
		i.events.Publish(event)
	}
}
