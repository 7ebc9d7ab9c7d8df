package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MachineLister returns the machine ids present in telemetry.
type MachineLister interface {
	Machines(ctx context.Context) ([]string, error)
}

// MachineDirectory caches the set of known machine ids.
type MachineDirectory struct {
	lister MachineLister
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	ids     []string
	known   map[string]bool
	fetched time.Time
}

// NewMachineDirectory creates a directory refreshed at most once per ttl.
func NewMachineDirectory(lister MachineLister, ttl time.Duration) *MachineDirectory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MachineDirectory{lister: lister, ttl: ttl, now: time.Now}
}

// List returns the known machine ids in sorted order.
func (d *MachineDirectory) List(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), d.ids...), nil
}

// Known reports whether id (case-insensitive) exists in telemetry.
func (d *MachineDirectory) Known(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.refreshLocked(ctx); err != nil {
		return false, err
	}
	return d.known[strings.ToUpper(id)], nil
}

func (d *MachineDirectory) refreshLocked(ctx context.Context) error {
	if d.known != nil && d.now().Sub(d.fetched) < d.ttl {
		return nil
	}
	ids, err := d.lister.Machines(ctx)
	if err != nil {
		if d.known != nil {
			// Serve the stale set rather than failing routing.
			return nil
		}
		return err
	}
	d.ids = ids
	d.known = make(map[string]bool, len(ids))
	for _, id := range ids {
		d.known[strings.ToUpper(id)] = true
	}
	d.fetched = d.now()
	return nil
}
