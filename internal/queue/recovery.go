package queue

import (
	"context"
	"errors"
	"time"

	"github.com/MimeLyc/course-importer/internal/localstore"
	"github.com/MimeLyc/course-importer/pkg/log"
)

// HasActiveJobs reports whether this tab still has work that would be lost.
func (m *Manager) HasActiveJobs() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.OriginTabID == m.tabID && !job.Status.Terminal() {
			return true
		}
	}
	return false
}

func (m *Manager) isOwner() bool {
	return m.elector == nil || m.elector.IsOwner()
}

// Unload prepares for the process going away. The owner snapshots the queue
// when this tab has unfinished jobs and reports true so the caller can warn;
// ownership is then released.
func (m *Manager) Unload(ctx context.Context) (bool, error) {
	warn := m.HasActiveJobs() && m.isOwner()
	var errs []error
	if warn {
		m.mu.Lock()
		all := m.snapshotLocked()
		m.mu.Unlock()
		snap := Emergency{
			Queue:     all,
			Timestamp: m.now().UnixMilli(),
			TabID:     m.tabID,
			Hostname:  m.hostname,
		}
		if err := localstore.SetJSON(ctx, m.store, emergencyKey, snap); err != nil {
			errs = append(errs, err)
		} else {
			log.Info("Saved emergency snapshot of %d imports", len(all))
		}
	}
	if m.elector != nil {
		errs = append(errs, m.elector.Release(ctx))
	}
	return warn, errors.Join(errs...)
}

// CheckEmergency returns a restorable snapshot, or nil. Only the owner is
// offered one; snapshots older than the emergency window are discarded.
func (m *Manager) CheckEmergency(ctx context.Context) (*Emergency, error) {
	if !m.isOwner() {
		return nil, nil
	}
	snap, err := m.loadEmergency(ctx)
	if err != nil || snap == nil {
		return nil, err
	}
	age := m.now().Sub(time.UnixMilli(snap.Timestamp))
	if age > m.settings.EmergencyWindow {
		log.Info("Discarding emergency snapshot from %v ago", age.Round(time.Second))
		return nil, m.DiscardEmergency(ctx)
	}
	for _, job := range snap.Queue {
		if job != nil && !job.Status.Terminal() {
			return snap, nil
		}
	}
	return nil, nil
}

// RestoreEmergency adopts the unfinished jobs of the snapshot and removes
// it. Jobs this tab already owns are left alone.
func (m *Manager) RestoreEmergency(ctx context.Context) (int, error) {
	snap, err := m.CheckEmergency(ctx)
	if err != nil || snap == nil {
		return 0, err
	}

	m.mu.Lock()
	n := 0
	for _, raw := range snap.Queue {
		if raw == nil || raw.Status.Terminal() {
			continue
		}
		if existing, ok := m.jobs[raw.ID]; ok && (existing.OriginTabID == m.tabID || existing.Status.Terminal()) {
			continue
		}
		job := raw.clone()
		m.adoptLocked(job)
		m.jobs[job.ID] = job
		n++
	}
	m.mu.Unlock()

	log.Info("Restored %d imports from snapshot of tab %s on %s", n, snap.TabID, snap.Hostname)
	m.persist()
	if err := m.DiscardEmergency(ctx); err != nil {
		return n, err
	}
	m.bus.Publish(TopicQueueRestored, n)
	m.signal()
	return n, nil
}

func (m *Manager) DiscardEmergency(ctx context.Context) error {
	return m.store.Remove(ctx, emergencyKey)
}

// Activate re-evaluates ownership when the tab comes back to the foreground
// and returns any snapshot worth offering.
func (m *Manager) Activate(ctx context.Context) (*Emergency, error) {
	if m.elector != nil {
		if _, err := m.elector.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	m.signal()
	return m.CheckEmergency(ctx)
}

func (m *Manager) loadEmergency(ctx context.Context) (*Emergency, error) {
	var snap Emergency
	if err := localstore.GetJSON(ctx, m.store, emergencyKey, &snap); err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}
