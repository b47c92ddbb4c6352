// Package runlock provides lease-based mutual exclusion over a run
// directory, so only one orchestrator process drives a given run at a time.
// The lock is an exclusive, create-only file containing the holder id and
// expiry; an expired lease is stale and may be reclaimed by any caller.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/research-orchestrator/internal/manifest"
	"github.com/jonathan/research-orchestrator/internal/schemas"
)

// Lease is the persisted lock document.
type Lease struct {
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has passed its expiry at the given time.
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Handle is a held lock. Release or a crashed process expiry ends it.
type Handle struct {
	path  string
	lease Lease
	now   func() time.Time
}

// HolderID identifies the process holding the lock.
func (h *Handle) HolderID() string { return h.lease.HolderID }

// ExpiresAt returns the current lease expiry.
func (h *Handle) ExpiresAt() time.Time { return h.lease.ExpiresAt }

// Option configures acquisition, primarily for tests.
type Option func(*options)

type options struct {
	holderID string
	now      func() time.Time
}

// WithHolderID overrides the generated holder id.
func WithHolderID(id string) Option {
	return func(o *options) { o.holderID = id }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Acquire takes the run lock or fails with LOCK_HELD when another unexpired
// lease exists. A stale (expired) lease is removed and acquisition retried
// once; losing that race to another reclaimer also yields LOCK_HELD.
func Acquire(path string, lease time.Duration, opts ...Option) (*Handle, error) {
	o := options{
		holderID: uuid.New().String(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	for attempt := 0; attempt < 2; attempt++ {
		h, err := tryCreate(path, o.holderID, lease, o.now)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		existing, readErr := readLease(path)
		if readErr != nil {
			// Unreadable lock files are treated as held: deleting a
			// document we cannot parse could evict a live holder.
			return nil, heldError(path, nil)
		}
		if !existing.Expired(o.now()) {
			return nil, heldError(path, &existing)
		}
		// Stale lease: reclaim by removing and retrying the exclusive create.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("reclaim stale lock: %w", rmErr)
		}
	}
	return nil, heldError(path, nil)
}

func tryCreate(path, holderID string, lease time.Duration, now func() time.Time) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l := Lease{
		HolderID:   holderID,
		AcquiredAt: now().UTC(),
		ExpiresAt:  now().UTC().Add(lease),
	}
	data, err := json.Marshal(l)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("encode lease: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lease: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close lease: %w", err)
	}
	return &Handle{path: path, lease: l, now: now}, nil
}

func readLease(path string) (Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lease{}, err
	}
	if err := schemas.Validate(schemas.DocLock, data); err != nil {
		return Lease{}, err
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return Lease{}, err
	}
	return l, nil
}

func heldError(path string, lease *Lease) *manifest.EngineError {
	details := map[string]any{"lock_path": path}
	if lease != nil {
		details["holder_id"] = lease.HolderID
		details["expires_at"] = lease.ExpiresAt
	}
	return manifest.NewEngineError(manifest.CodeLockHeld,
		"another process holds the run lock", details)
}

// Refresh extends the lease expiry. The caller must still hold the lock: a
// missing or foreign lock file means the lease was lost and the refresh
// fails so the caller can escalate.
func (h *Handle) Refresh(lease time.Duration) error {
	existing, err := readLease(h.path)
	if err != nil {
		return fmt.Errorf("lease lost: %w", err)
	}
	if existing.HolderID != h.lease.HolderID {
		return fmt.Errorf("lease lost: lock now held by %s", existing.HolderID)
	}
	h.lease.ExpiresAt = h.now().UTC().Add(lease)
	data, err := json.Marshal(h.lease)
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}
	if err := os.WriteFile(h.path, data, 0o644); err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	return nil
}

// Release removes the lock file. Releasing a lease that was already
// reclaimed by another holder is left alone.
func (h *Handle) Release() error {
	existing, err := readLease(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("release lock: %w", err)
	}
	if existing.HolderID != h.lease.HolderID {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
