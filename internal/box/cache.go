package box

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"boxwallet/internal/ledger"
	"boxwallet/internal/observability"
	"boxwallet/internal/signals"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ErrBoxNotFound = errors.New("box not found")

// Cache is a read-through copy of the boxes visible to the current account.
// It goes stale on box-changed, balance-changed and account or chain changes.
type Cache struct {
	reader ledger.Reader
	hub    *signals.Hub

	mu      sync.Mutex
	boxes   []Box
	owner   signals.Snapshot
	fresh   bool
	fetched time.Time
}

func NewCache(reader ledger.Reader, hub *signals.Hub) *Cache {
	return &Cache{reader: reader, hub: hub}
}

// Watch subscribes the cache to the hub. The returned func unsubscribes.
func (c *Cache) Watch() func() {
	return c.hub.Subscribe(func(ev signals.Event) {
		switch ev.Kind {
		case signals.BoxesChanged, signals.BalanceChanged:
			c.Invalidate()
		case signals.SignalsChanged:
			c.mu.Lock()
			if ev.Snapshot != c.owner {
				c.fresh = false
			}
			c.mu.Unlock()
		}
	})
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.fresh = false
	c.mu.Unlock()
}

// Boxes returns the cached list, fetching it first when stale. An account
// that is not ready sees no boxes.
func (c *Cache) Boxes(ctx context.Context) ([]Box, error) {
	c.mu.Lock()
	if c.fresh && c.owner == c.hub.Snapshot() {
		out := append([]Box(nil), c.boxes...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()
	return c.Refresh(ctx)
}

// Refresh re-reads get_boxes unconditionally.
func (c *Cache) Refresh(ctx context.Context) ([]Box, error) {
	snap := c.hub.Snapshot()
	if !snap.Connected() || !snap.ChainSupported || !snap.AppReady {
		c.store(snap, nil)
		return nil, nil
	}

	records, err := c.reader.Boxes(ctx, snap.Account)
	if err != nil {
		return nil, fmt.Errorf("read boxes: %w", err)
	}
	boxes := make([]Box, 0, len(records))
	for _, r := range records {
		b := FromRecord(r)
		if b.Sender != snap.Account && b.Recipient != snap.Account {
			continue
		}
		boxes = append(boxes, b)
	}
	sort.Slice(boxes, func(i, j int) bool { return boxes[i].Index > boxes[j].Index })
	c.store(snap, boxes)
	return append([]Box(nil), boxes...), nil
}

// Find returns the box with the given index from the cached list.
func (c *Cache) Find(ctx context.Context, index uint64) (Box, error) {
	boxes, err := c.Boxes(ctx)
	if err != nil {
		return Box{}, err
	}
	for _, b := range boxes {
		if b.Index == index {
			return b, nil
		}
	}
	return Box{}, fmt.Errorf("%w: %d", ErrBoxNotFound, index)
}

// FetchedAt is the time of the last successful read.
func (c *Cache) FetchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched
}

func (c *Cache) store(snap signals.Snapshot, boxes []Box) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boxes = boxes
	c.owner = snap
	c.fresh = true
	c.fetched = time.Now()
}

// Refresher re-reads the box list on a cron schedule.
type Refresher struct {
	cron    *cron.Cron
	cache   *Cache
	timeout time.Duration
	log     zerolog.Logger
	metrics *observability.Metrics
}

// NewRefresher registers the refresh job; spec is a robfig/cron expression such as "@every 15s".
func NewRefresher(cache *Cache, spec string, timeout time.Duration, log zerolog.Logger, m *observability.Metrics) (*Refresher, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Refresher{
		cron:    cron.New(),
		cache:   cache,
		timeout: timeout,
		log:     log,
		metrics: m,
	}
	if _, err := r.cron.AddFunc(spec, r.RunNow); err != nil {
		return nil, fmt.Errorf("register box refresh task: %w", err)
	}
	return r, nil
}

// Schedule adds a maintenance job to the same cron, run with the refresh timeout.
func (r *Refresher) Schedule(spec, name string, job func(ctx context.Context) error) error {
	_, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := job(ctx); err != nil {
			r.log.Error().Err(err).Str("job", name).Msg("scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("register %s task: %w", name, err)
	}
	return nil
}

func (r *Refresher) Start() {
	r.cron.Start()
	r.log.Info().Msg("box refresh started")
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info().Msg("box refresh stopped")
}

// RunNow performs one refresh outside the schedule.
func (r *Refresher) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	boxes, err := r.cache.Refresh(ctx)
	if err != nil {
		r.metrics.IncRefreshFailure()
		r.log.Error().Err(err).Msg("box refresh failed")
		return
	}
	r.log.Debug().Int("boxes", len(boxes)).Msg("boxes refreshed")
}
