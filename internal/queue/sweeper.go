package queue

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/dedup"
	"github.com/stacklight/faxpipe/internal/objectstore"
	"github.com/stacklight/faxpipe/internal/types"
)

// Sweeper periodically scans the bulk-processing prefix for documents that
// never entered the pipeline (dropped directly into storage, or left behind
// by a failed run) and enqueues them. Content-hash filtering makes each
// cycle idempotent.
type Sweeper struct {
	objects  objectstore.Store
	gate     *dedup.Gate
	queue    *Queue
	prefix   string
	interval time.Duration
	log      *zap.Logger

	kick chan struct{}
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewSweeper builds a sweeper over the given prefix. The interval floor is
// ten seconds.
func NewSweeper(objects objectstore.Store, gate *dedup.Gate, q *Queue, prefix string, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		objects:  objects,
		gate:     gate,
		queue:    q,
		prefix:   prefix,
		interval: interval,
		log:      log,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop and, for local object stores, a filesystem
// watcher that pulls the next cycle forward when files land in the prefix.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)

	if local, ok := s.objects.(*objectstore.LocalStore); ok {
		if err := s.watch(ctx, local); err != nil {
			s.log.Warn("filesystem watch unavailable, sweep runs on interval only", zap.Error(err))
		}
	}
}

// Close stops the loop and waits for the in-flight cycle.
func (s *Sweeper) Close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Kick requests an early sweep cycle. Coalesces with any pending request.
func (s *Sweeper) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.kick:
			s.Sweep(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one cycle: list, filter, enqueue. Skipped entirely while the
// queue is over its high-water mark.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.queue.Saturated(ctx) {
		s.log.Debug("sweep skipped, queue saturated")
		return
	}

	infos, err := s.objects.List(ctx, s.prefix)
	if err != nil {
		s.log.Warn("sweep listing failed", zap.Error(err))
		return
	}

	enqueued := 0
	for _, info := range infos {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}
		if s.queue.Saturated(ctx) {
			break
		}
		if s.sweepOne(ctx, info.Path) {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.log.Info("sweep cycle complete",
			zap.Int("scanned", len(infos)),
			zap.Int("enqueued", enqueued))
	}
}

// sweepOne enqueues a single swept object unless its content is already
// known or in flight.
func (s *Sweeper) sweepOne(ctx context.Context, objPath string) bool {
	tenantID := s.tenantOf(objPath)
	if tenantID == "" {
		s.log.Warn("swept object outside tenant layout, skipping", zap.String("path", objPath))
		return false
	}

	raw, err := s.objects.Get(ctx, objPath)
	if err != nil {
		if !errors.Is(err, objectstore.ErrNotFound) {
			s.log.Warn("reading swept object failed", zap.String("path", objPath), zap.Error(err))
		}
		return false
	}

	hash := types.ComputeContentHash(raw)
	check, err := s.gate.Check(ctx, tenantID, hash)
	if err != nil {
		s.log.Warn("dedup check failed during sweep", zap.String("path", objPath), zap.Error(err))
		return false
	}
	if !check.Fresh() {
		// Already processed or mid-pipeline. Remove processed duplicates so
		// the prefix drains; in-flight ones stay for the next cycle.
		if check.Existing != nil {
			if err := s.objects.Delete(ctx, objPath); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
				s.log.Warn("removing already-processed swept object failed",
					zap.String("path", objPath), zap.Error(err))
			}
		}
		return false
	}

	if _, err := s.queue.SubmitSwept(ctx, tenantID, objPath, hash); err != nil {
		s.log.Warn("enqueuing swept object failed", zap.String("path", objPath), zap.Error(err))
		return false
	}
	s.log.Debug("swept object enqueued", zap.String("path", objPath), zap.String("tenant_id", tenantID))
	return true
}

// tenantOf extracts the tenant segment from {prefix}{tenant}/{filename}.
func (s *Sweeper) tenantOf(objPath string) string {
	rest := strings.TrimPrefix(objPath, s.prefix)
	if rest == objPath {
		return ""
	}
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 {
		return ""
	}
	return rest[:idx]
}

// watch debounces filesystem events under the sweep prefix into Kick calls
// so fresh drops do not wait out the full interval.
func (s *Sweeper) watch(ctx context.Context, local *objectstore.LocalStore) error {
	dir := filepath.Join(local.Root(), filepath.FromSlash(strings.TrimSuffix(s.prefix, "/")))
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	debouncer := NewDebouncer(2*time.Second, s.Kick)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = watcher.Close() }()
		defer debouncer.Cancel()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					debouncer.Trigger()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Debug("watch error", zap.Error(err))
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("watching sweep prefix for drops", zap.String("dir", dir))
	return nil
}

// Debouncer batches rapid triggers into one action after a quiet period.
// Safe for concurrent use.
type Debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
	action   func()
	seq      uint64
}

// NewDebouncer builds a debouncer that runs action once per quiet period.
func NewDebouncer(duration time.Duration, action func()) *Debouncer {
	return &Debouncer{duration: duration, action: action}
}

// Trigger schedules the action, resetting the quiet-period timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.duration, func() {
		d.mu.Lock()
		if d.seq != seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.action()
	})
}

// Cancel drops any pending action. Does not wait for one already running.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
