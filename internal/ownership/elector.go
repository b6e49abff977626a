// Package ownership elects one advisory owner among the client processes
// sharing a profile. The owner is the one responsible for emergency
// snapshots and restore prompts; nothing else depends on it.
package ownership

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/course-importer/internal/eventbus"
	"github.com/MimeLyc/course-importer/internal/localstore"
	"github.com/MimeLyc/course-importer/pkg/log"
)

const (
	OwnerKey     = "import_queue_owner"
	HeartbeatKey = "import_queue_owner_heartbeat"

	TopicOwnershipUpdate eventbus.Topic = "ownership_update"
)

// Record names the owning tab; Timestamp is unix milliseconds.
type Record struct {
	TabID     string `json:"tab_id"`
	Timestamp int64  `json:"timestamp"`
}

// Update is published on TopicOwnershipUpdate whenever this tab gains or loses ownership.
type Update struct {
	TabID   string `json:"tab_id"`
	IsOwner bool   `json:"is_owner"`
}

// NewTabID returns a fresh identifier. Tabs never reuse one across restarts.
func NewTabID() string {
	return "tab_" + uuid.NewString()
}

type Elector struct {
	store localstore.Store
	bus   *eventbus.Bus
	tabID string
	now   func() time.Time

	heartbeatInterval time.Duration
	staleAfter        time.Duration

	mu    sync.Mutex
	owner bool
}

type Option func(*Elector)

func WithTabID(id string) Option {
	return func(e *Elector) {
		e.tabID = id
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Elector) {
		e.now = now
	}
}

func WithBus(bus *eventbus.Bus) Option {
	return func(e *Elector) {
		e.bus = bus
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Elector) {
		if d > 0 {
			e.heartbeatInterval = d
		}
	}
}

// WithStaleAfter sets how long an owner may go without a heartbeat before
// another tab takes over.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Elector) {
		if d > 0 {
			e.staleAfter = d
		}
	}
}

func New(store localstore.Store, opts ...Option) *Elector {
	e := &Elector{
		store:             store,
		now:               time.Now,
		heartbeatInterval: 5 * time.Second,
		staleAfter:        15 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tabID == "" {
		e.tabID = NewTabID()
	}
	return e
}

func (e *Elector) TabID() string {
	return e.tabID
}

func (e *Elector) IsOwner() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// Refresh re-evaluates ownership against the shared record, claiming it when
// it is missing or stale.
func (e *Elector) Refresh(ctx context.Context) (bool, error) {
	rec, err := e.readRecord(ctx)
	if err != nil {
		return e.IsOwner(), err
	}
	switch {
	case rec == nil:
		return e.claim(ctx)
	case rec.TabID == e.tabID:
		e.setOwner(true)
		return true, nil
	case e.stale(ctx, rec):
		log.Info("Owner %s went quiet, tab %s taking over", rec.TabID, e.tabID)
		return e.claim(ctx)
	default:
		e.setOwner(false)
		return false, nil
	}
}

// Heartbeat refreshes the owner's liveness. A tab that lost the record to
// another writer yields; a non-owner checks whether the owner went stale.
func (e *Elector) Heartbeat(ctx context.Context) error {
	if !e.IsOwner() {
		_, err := e.Refresh(ctx)
		return err
	}
	rec, err := e.readRecord(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		_, err := e.claim(ctx)
		return err
	}
	if rec.TabID != e.tabID {
		e.setOwner(false)
		return nil
	}
	return e.store.Set(ctx, HeartbeatKey, []byte(strconv.FormatInt(e.nowMillis(), 10)))
}

// Release gives up ownership if this tab holds it.
func (e *Elector) Release(ctx context.Context) error {
	if !e.IsOwner() {
		return nil
	}
	e.setOwner(false)
	rec, err := e.readRecord(ctx)
	if err != nil {
		return err
	}
	if rec == nil || rec.TabID != e.tabID {
		return nil
	}
	return errors.Join(
		e.store.Remove(ctx, OwnerKey),
		e.store.Remove(ctx, HeartbeatKey),
	)
}

// Run claims or observes ownership, heartbeats on an interval and
// re-evaluates whenever the shared record changes. It returns when ctx ends.
func (e *Elector) Run(ctx context.Context) error {
	changes, err := e.store.Watch(ctx)
	if err != nil {
		log.Warn("Ownership changes will only be seen on heartbeat: %v", err)
	}
	if _, err := e.Refresh(ctx); err != nil {
		log.Warn("Ownership check failed: %v", err)
	}

	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				log.Warn("Ownership heartbeat failed: %v", err)
			}
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if change.Key != OwnerKey {
				continue
			}
			if _, err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Warn("Ownership check failed: %v", err)
			}
		}
	}
}

func (e *Elector) claim(ctx context.Context) (bool, error) {
	now := e.nowMillis()
	if err := localstore.SetJSON(ctx, e.store, OwnerKey, Record{TabID: e.tabID, Timestamp: now}); err != nil {
		return e.IsOwner(), err
	}
	if err := e.store.Set(ctx, HeartbeatKey, []byte(strconv.FormatInt(now, 10))); err != nil {
		return e.IsOwner(), err
	}
	// last writer wins; read back to see whether that was us
	rec, err := e.readRecord(ctx)
	if err != nil {
		return e.IsOwner(), err
	}
	won := rec != nil && rec.TabID == e.tabID
	e.setOwner(won)
	return won, nil
}

func (e *Elector) stale(ctx context.Context, rec *Record) bool {
	last := rec.Timestamp
	if hb := e.readHeartbeat(ctx); hb > last {
		last = hb
	}
	return e.nowMillis()-last > e.staleAfter.Milliseconds()
}

func (e *Elector) readRecord(ctx context.Context) (*Record, error) {
	var rec Record
	if err := localstore.GetJSON(ctx, e.store, OwnerKey, &rec); err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if rec.TabID == "" {
		return nil, nil
	}
	return &rec, nil
}

func (e *Elector) readHeartbeat(ctx context.Context) int64 {
	raw, err := e.store.Get(ctx, HeartbeatKey)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (e *Elector) setOwner(owner bool) {
	e.mu.Lock()
	changed := e.owner != owner
	e.owner = owner
	e.mu.Unlock()

	if !changed {
		return
	}
	if owner {
		log.Info("Tab %s is now the queue owner", e.tabID)
	} else {
		log.Info("Tab %s is no longer the queue owner", e.tabID)
	}
	if e.bus != nil {
		e.bus.Publish(TopicOwnershipUpdate, Update{TabID: e.tabID, IsOwner: owner})
	}
}

func (e *Elector) nowMillis() int64 {
	return e.now().UnixMilli()
}
