// Package tokenrefresh renews broker credentials before they expire and
// keeps an audit log of every attempt.
package tokenrefresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/autobotela-sys/saas-copy-trading/internal/gateway"
	"github.com/autobotela-sys/saas-copy-trading/internal/metrics"
	"github.com/autobotela-sys/saas-copy-trading/internal/model"
	"github.com/autobotela-sys/saas-copy-trading/internal/store"
)

// Summary counts the outcome of one refresh pass.
type Summary struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Refresher renews credentials that are close to expiry.
type Refresher struct {
	store     store.Store
	gateways  *gateway.Registry
	threshold time.Duration
	now       func() time.Time
}

// NewRefresher creates a refresher that renews tokens expiring within
// threshold.
func NewRefresher(st store.Store, gateways *gateway.Registry, threshold time.Duration) *Refresher {
	return &Refresher{
		store:     st,
		gateways:  gateways,
		threshold: threshold,
		now:       time.Now,
	}
}

// RefreshDue checks every ACTIVE account and renews those whose token
// expires within the threshold. Per-account failures are logged and
// counted; only failing to list accounts is returned.
func (r *Refresher) RefreshDue(ctx context.Context) (Summary, error) {
	accounts, err := r.store.ListAccountsByStatus(ctx, model.AccountActive)
	if err != nil {
		return Summary{}, fmt.Errorf("list active accounts: %w", err)
	}

	var sum Summary
	now := r.now()
	for i := range accounts {
		acct := &accounts[i]
		sum.Checked++
		if acct.TokenExpiresAt.Sub(now) >= r.threshold {
			continue
		}
		switch r.refresh(ctx, acct).Status {
		case model.RefreshSuccess:
			sum.Refreshed++
		case model.RefreshSkipped:
			sum.Skipped++
		default:
			sum.Failed++
		}
	}

	slog.Info("token refresh pass",
		"checked", sum.Checked,
		"refreshed", sum.Refreshed,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
	)
	return sum, nil
}

// RefreshAccount renews one account now, regardless of the threshold.
func (r *Refresher) RefreshAccount(ctx context.Context, accountID string) (*model.TokenRefreshLog, error) {
	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entry := r.refresh(ctx, acct)
	return &entry, nil
}

// refresh attempts one renewal and records it. An expired token or a
// failed renewal moves the account to ERROR; a broker that cannot renew
// programmatically leaves it untouched.
func (r *Refresher) refresh(ctx context.Context, acct *model.BrokerAccount) model.TokenRefreshLog {
	now := r.now()
	oldExpiry := acct.TokenExpiresAt
	entry := model.TokenRefreshLog{
		ID:          uuid.New().String(),
		AccountID:   acct.ID,
		AttemptedAt: now.UTC(),
		OldExpiry:   &oldExpiry,
	}

	renewal, err := r.renew(ctx, acct)
	switch {
	case errors.Is(err, gateway.ErrNotSupported):
		entry.Status = model.RefreshSkipped
		entry.ErrorMessage = "broker requires an interactive login to renew"
	case err != nil:
		entry.Status = model.RefreshFailed
		entry.ErrorMessage = err.Error()
	default:
		if err := r.store.UpdateAccountToken(ctx, acct.ID, renewal.Sealed, renewal.ExpiresAt, now.UTC()); err != nil {
			entry.Status = model.RefreshFailed
			entry.ErrorMessage = fmt.Sprintf("store renewed token: %v", err)
			break
		}
		entry.Status = model.RefreshSuccess
		newExpiry := renewal.ExpiresAt
		entry.NewExpiry = &newExpiry
	}

	if entry.Status == model.RefreshFailed {
		if err := r.store.SetAccountStatus(ctx, acct.ID, model.AccountError); err != nil {
			slog.Error("set account status failed", "account", acct.ID, "err", err)
		}
	}
	if err := r.store.InsertRefreshLog(ctx, &entry); err != nil {
		slog.Error("insert refresh log failed", "account", acct.ID, "err", err)
	}
	metrics.TokenRefreshes.WithLabelValues(string(acct.Variant), string(entry.Status)).Inc()

	log := slog.Info
	if entry.Status == model.RefreshFailed {
		log = slog.Warn
	}
	log("token refresh",
		"account", acct.ID,
		"user", acct.UserID,
		"variant", acct.Variant,
		"status", entry.Status,
		"old_expiry", oldExpiry,
		"err", entry.ErrorMessage,
	)
	return entry
}

func (r *Refresher) renew(ctx context.Context, acct *model.BrokerAccount) (gateway.Renewal, error) {
	if acct.Expired(r.now()) {
		return gateway.Renewal{}, errors.New("token already expired")
	}
	gw, err := r.gateways.Get(acct.Variant)
	if err != nil {
		return gateway.Renewal{}, err
	}
	return gw.RenewCredential(ctx, gateway.CredentialFor(acct))
}
