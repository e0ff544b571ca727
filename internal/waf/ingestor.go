package waf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/metrics"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

const (
	// defaultPollInterval is the fallback tailing cadence for filesystems
	// where inotify does not fire (bind mounts, NFS).
	defaultPollInterval = time.Second
	// dedupeCapacity bounds the (transaction, rule) replay filter.
	dedupeCapacity = 100_000
)

// EventSink receives each stored event in ingestion order. Implementations
// must not block: they run on the tailer goroutine.
type EventSink interface {
	ConsumeWAFEvent(event *models.WAFEvent)
}

type dedupeKey struct {
	txn  string
	rule string
}

type tailState struct {
	path   string
	offset int64
	carry  []byte
	wake   chan struct{}
}

// Ingestor tails ModSecurity audit logs and turns rule hits into stored
// WAFEvent rows. One goroutine per file; a shared fsnotify watcher wakes the
// tailers between polls. Store failures flip the ingestor unhealthy and
// ingestion pauses (with backoff) until the store answers again.
type Ingestor struct {
	db       *gorm.DB
	resolver *ProxyResolver
	sinks    []EventSink
	log      *logrus.Entry

	pollInterval time.Duration
	dedupe       *lru.Cache[dedupeKey, struct{}]
	healthy      atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	files   []*tailState
}

// NewIngestor builds an ingestor over the given audit log paths. Sinks are
// invoked after each successful insert; pass the detection engine, the
// broadcaster adapter and the stats cache.
func NewIngestor(db *gorm.DB, resolver *ProxyResolver, paths []string, sinks ...EventSink) (*Ingestor, error) {
	dedupe, err := lru.New[dedupeKey, struct{}](dedupeCapacity)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}
	ing := &Ingestor{
		db:           db,
		resolver:     resolver,
		sinks:        sinks,
		log:          logger.WithComponent("waf"),
		pollInterval: defaultPollInterval,
		dedupe:       dedupe,
	}
	for _, p := range paths {
		ing.files = append(ing.files, &tailState{path: p, wake: make(chan struct{}, 1)})
	}
	ing.healthy.Store(true)
	return ing, nil
}

// Healthy reports whether the last store write succeeded. Readiness probes
// consume this.
func (i *Ingestor) Healthy() bool { return i.healthy.Load() }

// Start opens each audit log at its current end and begins tailing. Existing
// content is not re-ingested. Calling Start on a running ingestor is a no-op.
func (i *Ingestor) Start(ctx context.Context) {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return
	}
	i.running = true
	ctx, i.cancel = context.WithCancel(ctx)
	i.mu.Unlock()

	for _, st := range i.files {
		if fi, err := os.Stat(st.path); err == nil {
			st.offset = fi.Size()
		}
		i.wg.Add(1)
		go i.tail(ctx, st)
	}
	i.wg.Add(1)
	go i.watch(ctx)

	i.log.WithField("files", len(i.files)).Info("waf ingestion started")
}

// Stop cancels the tailers and waits for them to drain.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	i.mu.Unlock()

	i.cancel()
	i.wg.Wait()
}

// tail is the per-file worker loop: drain whatever is new, then sleep until
// a watcher wakeup or the poll tick.
func (i *Ingestor) tail(ctx context.Context, st *tailState) {
	defer i.wg.Done()
	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()

	for {
		i.drain(ctx, st)
		select {
		case <-ctx.Done():
			return
		case <-st.wake:
		case <-ticker.C:
		}
	}
}

// drain reads from the stored offset to EOF and processes every complete
// line. A shrunken file means truncation or rotation; tailing restarts from
// the beginning. Partial trailing lines carry over to the next pass.
func (i *Ingestor) drain(ctx context.Context, st *tailState) {
	f, err := os.Open(st.path)
	if err != nil {
		if !os.IsNotExist(err) {
			i.log.WithError(err).WithField("path", st.path).Warn("open audit log")
		}
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		i.log.WithError(err).WithField("path", st.path).Warn("stat audit log")
		return
	}
	if fi.Size() < st.offset {
		i.log.WithField("path", st.path).Info("audit log truncated, restarting from beginning")
		st.offset = 0
		st.carry = nil
	}
	if fi.Size() == st.offset {
		return
	}

	if _, err := f.Seek(st.offset, io.SeekStart); err != nil {
		i.log.WithError(err).WithField("path", st.path).Warn("seek audit log")
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		i.log.WithError(err).WithField("path", st.path).Warn("read audit log")
		return
	}
	st.offset += int64(len(data))

	buf := append(st.carry, data...)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		if err := i.processLine(ctx, line); err != nil {
			// Only a canceled context reaches here; drop the rest of
			// the batch, we are shutting down.
			st.carry = nil
			return
		}
	}
	st.carry = append([]byte(nil), buf...)
}

// processLine parses one audit line and stores its events. Malformed lines
// and replayed (transaction, rule) pairs are counted and skipped.
func (i *Ingestor) processLine(ctx context.Context, line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	rec, err := ParseAuditRecord(line)
	if err != nil {
		metrics.IncWAFEventDropped("parse")
		i.log.WithError(err).Debug("skipping malformed audit record")
		return nil
	}

	for _, ev := range rec.Events {
		key := dedupeKey{txn: ev.TransactionID, rule: ev.RuleID}
		if seen, _ := i.dedupe.ContainsOrAdd(key, struct{}{}); seen {
			metrics.IncWAFEventDropped("duplicate")
			continue
		}
		ev.ProxyID = i.resolver.Resolve(rec.Host)

		if err := i.store(ctx, ev); err != nil {
			return err
		}
		metrics.IncWAFEvent(ev.Severity)
		for _, sink := range i.sinks {
			sink.ConsumeWAFEvent(ev)
		}
	}
	return nil
}

// store inserts one event, retrying with exponential backoff for as long as
// the context lives. The unhealthy window spans from the first failure to
// the next success.
func (i *Ingestor) store(ctx context.Context, ev *models.WAFEvent) error {
	op := func() error {
		if err := i.db.Create(ev).Error; err != nil {
			if i.healthy.CompareAndSwap(true, false) {
				i.log.WithError(err).Error("event store unreachable, pausing ingestion")
			}
			return err
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until the store answers or we shut down
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return err
	}
	if i.healthy.CompareAndSwap(false, true) {
		i.log.Info("event store reachable again, resuming ingestion")
	}
	return nil
}

// watch routes filesystem events to the per-file wake channels. When inotify
// is unavailable the tailers still make progress on the poll ticker.
func (i *Ingestor) watch(ctx context.Context) {
	defer i.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		i.log.WithError(err).Warn("fsnotify unavailable, tailing on poll interval only")
		return
	}
	defer watcher.Close()

	dirs := make(map[string]bool)
	for _, st := range i.files {
		dir := filepath.Dir(st.path)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := watcher.Add(dir); err != nil {
			i.log.WithError(err).WithField("dir", dir).Warn("watch audit log directory")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			i.wakeFor(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			i.log.WithError(err).Warn("audit log watcher error")
		}
	}
}

func (i *Ingestor) wakeFor(name string) {
	name = filepath.Clean(name)
	for _, st := range i.files {
		if filepath.Clean(st.path) != name {
			continue
		}
		select {
		case st.wake <- struct{}{}:
		default:
		}
	}
}
