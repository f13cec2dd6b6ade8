// Package quotapool hands out API credentials for external capabilities
// while respecting per-minute and per-day ceilings. All checkout, lock and
// cooldown transitions happen under one mutex so two concurrent jobs can
// never believe they hold the same rate-limited credential.
package quotapool

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spoken-eval-platform/internal/datastore"
	"spoken-eval-platform/internal/logging"
)

// ErrNoCredentialAvailable is returned when the pool has no usable
// credential for the requested capability: empty pool, everything disabled,
// cooling down, locked, or over its minute limit.
var ErrNoCredentialAvailable = errors.New("no credential available")

// Pool is the in-process authority over credential state. Credential rows
// are persisted through the store so accounting survives restarts, but the
// check-and-lock decision is made here, atomically, never read-then-write
// against the store.
type Pool struct {
	mu    sync.Mutex
	store datastore.CredentialStore
	creds map[string]*datastore.Credential
	log   zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New loads all credentials from the store into the pool.
func New(store datastore.CredentialStore) (*Pool, error) {
	p := &Pool{
		store: store,
		creds: map[string]*datastore.Credential{},
		log:   logging.New("quotapool"),
		now:   time.Now,
	}
	creds, err := store.ListCredentials("")
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials into pool: %w", err)
	}
	for _, c := range creds {
		p.creds[c.ID] = c
	}
	return p, nil
}

// Checkout atomically selects a usable credential for the capability, locks
// it to jobID for lockDuration, counts the request against the minute
// window, and returns a copy. Selection prefers the credential with the most
// remaining daily quota, then the least recently used, to spread load.
func (p *Pool) Checkout(capability, jobID string, lockDuration time.Duration) (*datastore.Credential, error) {
	return p.CheckoutProvider(capability, "", jobID, lockDuration)
}

// CheckoutProvider is Checkout restricted to credentials of one provider
// ("" matches any). Engine adapters need a credential of their own vendor.
func (p *Pool) CheckoutProvider(capability, provider, jobID string, lockDuration time.Duration) (*datastore.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *datastore.Credential
	for _, c := range p.creds {
		if !p.usable(c, now, capability) {
			continue
		}
		if provider != "" && c.Provider != provider {
			continue
		}
		if best == nil || p.preferred(c, best, now) {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("capability %s: %w", capability, ErrNoCredentialAvailable)
	}

	p.rollWindows(best, now)
	best.MinuteCount++
	best.LockedBy = nullString(jobID)
	best.LockedUntil = nullTime(now.Add(lockDuration))
	best.LastUsedAt = nullTime(now)
	p.persist(best)

	p.log.Debug().Str("credential_id", best.ID).Str("job_id", jobID).
		Str("capability", capability).Msg("credential checked out")

	clone := *best
	return &clone, nil
}

// Release clears the lock held by jobID. Releasing a credential another job
// has since locked is a no-op.
func (p *Pool) Release(credentialID, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[credentialID]
	if !ok {
		return
	}
	if c.LockedBy.Valid && c.LockedBy.String != jobID {
		return
	}
	c.LockedBy = sql.NullString{}
	c.LockedUntil = sql.NullTime{}
	p.persist(c)
}

// MarkExhausted records that a credential hit a limit. Permanent exhaustion
// (billing/plan) disables it until manual reactivation; temporary exhaustion
// schedules a cooldown of retryAfter (or a default minute when the provider
// gave no hint).
func (p *Pool) MarkExhausted(credentialID string, permanent bool, retryAfter time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[credentialID]
	if !ok {
		return fmt.Errorf("credential %s: %w", credentialID, datastore.ErrCredentialNotFound)
	}

	if permanent {
		c.Disabled = true
		p.log.Warn().Str("credential_id", credentialID).Msg("credential permanently exhausted, disabled until manual reactivation")
	} else {
		if retryAfter <= 0 {
			retryAfter = time.Minute
		}
		c.CooldownUntil = nullTime(p.now().Add(retryAfter))
		p.log.Info().Str("credential_id", credentialID).Dur("retry_after", retryAfter).
			Msg("credential cooling down")
	}
	p.persist(c)
	return nil
}

// RecordUsage accumulates consumption units (e.g. audio-seconds) against the
// daily window, independent of whether the surrounding call succeeded.
func (p *Pool) RecordUsage(credentialID string, units float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[credentialID]
	if !ok {
		return fmt.Errorf("credential %s: %w", credentialID, datastore.ErrCredentialNotFound)
	}
	p.rollWindows(c, p.now())
	c.DayUnits += units
	p.persist(c)
	return nil
}

// Reactivate clears permanent exhaustion on a credential.
func (p *Pool) Reactivate(credentialID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.creds[credentialID]
	if !ok {
		return fmt.Errorf("credential %s: %w", credentialID, datastore.ErrCredentialNotFound)
	}
	c.Disabled = false
	c.CooldownUntil.Valid = false
	p.persist(c)
	return nil
}

// Add registers a new credential with the pool and persists it.
func (p *Pool) Add(c *datastore.Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.CreateCredential(c); err != nil {
		return err
	}
	clone := *c
	p.creds[c.ID] = &clone
	return nil
}

// Remove deletes a credential from the pool and the store.
func (p *Pool) Remove(credentialID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.DeleteCredential(credentialID); err != nil {
		return err
	}
	delete(p.creds, credentialID)
	return nil
}

// List returns copies of the pooled credentials for a capability
// ("" for all).
func (p *Pool) List(capability string) []*datastore.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := []*datastore.Credential{}
	for _, c := range p.creds {
		if capability == "" || c.Capability == capability {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out
}

func (p *Pool) usable(c *datastore.Credential, now time.Time, capability string) bool {
	if c.Capability != capability || c.Disabled {
		return false
	}
	if c.CooldownUntil.Valid && now.Before(c.CooldownUntil.Time) {
		return false
	}
	if c.LockedUntil.Valid && now.Before(c.LockedUntil.Time) {
		return false
	}
	if c.MinuteLimit > 0 {
		count := c.MinuteCount
		if now.Sub(c.MinuteWindowStart) >= time.Minute {
			count = 0
		}
		if count >= c.MinuteLimit {
			return false
		}
	}
	if c.DayLimit > 0 && c.RemainingDaily(now) <= 0 {
		return false
	}
	return true
}

func (p *Pool) preferred(candidate, incumbent *datastore.Credential, now time.Time) bool {
	cr, ir := candidate.RemainingDaily(now), incumbent.RemainingDaily(now)
	if cr != ir {
		return cr > ir
	}
	// Tie-break on least recent use; never-used sorts first.
	if !candidate.LastUsedAt.Valid {
		return true
	}
	if !incumbent.LastUsedAt.Valid {
		return false
	}
	return candidate.LastUsedAt.Time.Before(incumbent.LastUsedAt.Time)
}

func (p *Pool) rollWindows(c *datastore.Credential, now time.Time) {
	if now.Sub(c.MinuteWindowStart) >= time.Minute {
		c.MinuteWindowStart = now
		c.MinuteCount = 0
	}
	if now.Sub(c.DayWindowStart) >= 24*time.Hour {
		c.DayWindowStart = now
		c.DayUnits = 0
	}
}

// persist writes the credential back to the store. A store failure is
// logged, not surfaced: the in-memory pool stays authoritative and the row
// catches up on the next successful write.
func (p *Pool) persist(c *datastore.Credential) {
	if err := p.store.UpdateCredential(c); err != nil {
		p.log.Error().Str("credential_id", c.ID).Err(err).Msg("failed to persist credential state")
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
