// Package broker implements the message broker core: per-recipient queues,
// the name registry, request dispatch and the TCP front end. One broker-wide
// mutex serializes every handler; the expected workload is a handful of
// interactive instances, so coarse locking buys simplicity without a
// measurable cost.
package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/ipcd/internal/config"
	"github.com/adred-codev/ipcd/internal/limits"
	"github.com/adred-codev/ipcd/internal/monitoring"
	"github.com/adred-codev/ipcd/internal/protocol"
	"github.com/adred-codev/ipcd/internal/session"
	"github.com/adred-codev/ipcd/internal/store"
)

const (
	// identityWindow bounds authenticated requests per identity, and
	// registration attempts per register_<id> key.
	identityWindowLimit = 100
	identityWindowSpan  = 60 * time.Second

	// forwardTTL is how long a released name keeps forwarding after a
	// rename.
	forwardTTL = 2 * time.Hour

	// renameCooldown is the minimum gap between renames for one identity.
	renameCooldown = time.Hour

	// unregisteredMessageTTL drops stale future-delivery messages whose
	// recipient never registered.
	unregisteredMessageTTL = 7 * 24 * time.Hour
)

// forward is one name-history entry: messages to the old name go to New
// until the entry ages out.
type forward struct {
	New string
	At  time.Time
}

// Broker owns all mutable state. Every handler runs under mu, including its
// database writes, so readers always observe a consistent snapshot.
type Broker struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store.Store
	sessions *session.Manager
	window   *limits.SlidingWindow

	mu          sync.Mutex
	queues      map[string][]protocol.Delivered
	instances   map[string]time.Time
	nameHistory map[string]forward
	lastRename  map[string]time.Time

	started time.Time

	// now is swappable for tests.
	now func() time.Time
}

// New opens the store and rebuilds broker state from it.
func New(cfg *config.Config, logger zerolog.Logger) (*Broker, error) {
	st, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:         cfg,
		logger:      logger.With().Str("component", "broker").Logger(),
		store:       st,
		sessions:    session.NewManager(st, cfg.SessionTTL, logger),
		window:      limits.NewSlidingWindow(identityWindowLimit, identityWindowSpan),
		queues:      make(map[string][]protocol.Delivered),
		instances:   make(map[string]time.Time),
		nameHistory: make(map[string]forward),
		lastRename:  make(map[string]time.Time),
		started:     time.Now(),
		now:         time.Now,
	}

	if err := b.recover(); err != nil {
		st.Close()
		return nil, err
	}

	return b, nil
}

// Close flushes nothing (writes are synchronous) and releases the store.
func (b *Broker) Close() error {
	return b.store.Close()
}

// recover rebuilds in-memory state after a restart: expired sessions are
// purged, unread messages are regrouped into queues in timestamp order, and
// the instance and name-history tables are loaded. Raw session tokens are
// unrecoverable by design; clients that kept theirs keep working.
func (b *Broker) recover() error {
	now := b.now()

	purged := b.sessions.PurgeExpired(now)

	unread, err := b.store.LoadUnread()
	if err != nil {
		return err
	}
	for _, row := range unread {
		entry := protocol.Delivered{
			From:      row.FromID,
			To:        row.ToID,
			Timestamp: row.Timestamp,
			Message:   protocol.Payload{Content: row.Content},
		}
		if row.Data != "" {
			var data map[string]any
			if err := json.Unmarshal([]byte(row.Data), &data); err == nil {
				entry.Message.Data = data
			}
		}
		b.queues[row.ToID] = append(b.queues[row.ToID], entry)
	}

	instances, err := b.store.LoadInstances()
	if err != nil {
		return err
	}
	for _, inst := range instances {
		b.instances[inst.InstanceID] = inst.LastSeen
		if _, ok := b.queues[inst.InstanceID]; !ok {
			b.queues[inst.InstanceID] = nil
		}
	}

	history, err := b.store.LoadNameHistory()
	if err != nil {
		return err
	}
	for _, change := range history {
		b.nameHistory[change.OldName] = forward{New: change.NewName, At: change.ChangedAt}
	}

	b.logger.Info().
		Int("unread_messages", len(unread)).
		Int("instances", len(instances)).
		Int("name_forwards", len(history)).
		Int64("sessions_purged", purged).
		Msg("State recovered from store")

	b.publishGauges()
	return nil
}

// resolve follows one forwarding hop after pruning expired forwards and
// stale future-delivery messages. Callers hold mu.
func (b *Broker) resolve(name string) string {
	b.sweepForwards()
	b.sweepMessages()
	if fwd, ok := b.nameHistory[name]; ok {
		return fwd.New
	}
	return name
}

// sweepForwards drops name-history entries older than forwardTTL. Memory
// only; the database row is left to be overwritten or ignored.
func (b *Broker) sweepForwards() {
	now := b.now()
	for old, fwd := range b.nameHistory {
		if now.Sub(fwd.At) > forwardTTL {
			delete(b.nameHistory, old)
			monitoring.ForwardsExpired.Inc()
			b.logger.Debug().Str("old_id", old).Str("new_id", fwd.New).Msg("Name forward expired")
		}
	}
}

// sweepMessages drops messages older than unregisteredMessageTTL from queues
// whose recipient has no active registration, and bulk-deletes the matching
// rows. A queue emptied by the sweep is removed entirely.
func (b *Broker) sweepMessages() {
	now := b.now()
	dropped := 0

	for id, queue := range b.queues {
		if _, registered := b.instances[id]; registered {
			continue
		}
		kept := queue[:0]
		for _, msg := range queue {
			ts, err := time.ParseInLocation(protocol.TimestampLayout, msg.Timestamp, time.Local)
			if err != nil || now.Sub(ts) < unregisteredMessageTTL {
				// Unparseable timestamps are kept rather than silently dropped.
				kept = append(kept, msg)
				continue
			}
			dropped++
		}
		if len(kept) > 0 {
			b.queues[id] = kept
		} else if len(queue) > 0 {
			delete(b.queues, id)
		}
	}

	if dropped == 0 {
		return
	}

	monitoring.MessagesExpired.Add(float64(dropped))
	cutoff := now.Add(-unregisteredMessageTTL).Format(protocol.TimestampLayout)
	if _, err := b.store.DeleteExpiredUnregistered(cutoff); err != nil {
		b.logger.Error().Err(err).Msg("Failed to delete expired messages")
		monitoring.PersistenceErrors.Inc()
	}
	b.logger.Info().Int("dropped", dropped).Msg("Swept expired future-delivery messages")
}

// Sweep runs the periodic maintenance pass: expired sessions, idle rate
// windows, stale forwards and expired future-delivery messages. The forward
// and message prunes also run inline before every name resolution, so the
// ticker only bounds staleness during idle stretches.
func (b *Broker) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sessions.PurgeExpired(b.now())
	b.window.PruneIdle()
	b.sweepForwards()
	b.sweepMessages()
	b.publishGauges()
}

// publishGauges refreshes the state-level Prometheus gauges. Callers hold mu.
func (b *Broker) publishGauges() {
	pending := 0
	for _, q := range b.queues {
		pending += len(q)
	}
	monitoring.QueuedMessages.Set(float64(pending))
	monitoring.ActiveQueues.Set(float64(len(b.queues)))
	monitoring.ActiveInstances.Set(float64(len(b.instances)))
	monitoring.ActiveForwards.Set(float64(len(b.nameHistory)))
}

// Stats is a point-in-time snapshot for the ops endpoint.
type Stats struct {
	UptimeSeconds  int64 `json:"uptime_seconds"`
	Instances      int   `json:"instances"`
	Queues         int   `json:"queues"`
	QueuedMessages int   `json:"queued_messages"`
	NameForwards   int   `json:"name_forwards"`
	PendingLargest int   `json:"largest_queue"`
}

// Snapshot returns current broker statistics.
func (b *Broker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending, largest := 0, 0
	for _, q := range b.queues {
		pending += len(q)
		if len(q) > largest {
			largest = len(q)
		}
	}

	return Stats{
		UptimeSeconds:  int64(time.Since(b.started).Seconds()),
		Instances:      len(b.instances),
		Queues:         len(b.queues),
		QueuedMessages: pending,
		NameForwards:   len(b.nameHistory),
		PendingLargest: largest,
	}
}
