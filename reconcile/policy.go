// Package reconcile keeps the in-memory store durable locally and mirrored
// to the remote store, queueing teachers whose records could not be pushed.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"math00ost/models"
	"math00ost/store"
)

// LocalStore is the durable local slot; db.LocalStore satisfies it.
type LocalStore interface {
	Save(ctx context.Context, snap models.Snapshot) error
	Load(ctx context.Context) (models.Snapshot, error)
	SavePending(ctx context.Context, queue []models.PendingSync) error
	LoadPending(ctx context.Context) ([]models.PendingSync, error)
	Cleanup(ctx context.Context) error
}

// RemoteStore is the shared document store; db.RemoteStore satisfies it.
type RemoteStore interface {
	FetchTeacher(ctx context.Context, name string) (*models.Teacher, []*models.Group, error)
	FetchGroup(ctx context.Context, code string) (*models.Group, error)
	PushAll(ctx context.Context, name string, teacher *models.Teacher, groups []*models.Group, deleted []string) error
	Ping(ctx context.Context) error
}

const defaultTimeout = 5 * time.Second

// Policy decides where every mutation goes. It implements store.Notifier.
type Policy struct {
	store  *store.Store
	local  LocalStore
	remote RemoteStore

	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	online atomic.Bool

	qmu   sync.Mutex
	queue []models.PendingSync

	saveMu  sync.Mutex // orders local writes
	drainMu sync.Mutex
	wg      sync.WaitGroup

	lmu       sync.Mutex
	pushLocks map[string]*sync.Mutex // one per teacher
}

type Option func(*Policy)

func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTimeout bounds every remote call.
func WithTimeout(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(p *Policy) { p.now = fn }
}

// WithOnline sets the initial connectivity state.
func WithOnline(online bool) Option {
	return func(p *Policy) { p.online.Store(online) }
}

// New creates a Policy for st. The caller still has to register it with
// st.SetNotifier and call Start.
func New(st *store.Store, local LocalStore, remote RemoteStore, opts ...Option) *Policy {
	p := &Policy{
		store:   st,
		local:   local,
		remote:  remote,
		logger:  slog.Default(),
		timeout: defaultTimeout,
		now:     time.Now,
		queue:   []models.PendingSync{},

		pushLocks: map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start restores the store and the pending queue from local storage and
// drains the queue when already online.
func (p *Policy) Start(ctx context.Context) error {
	snap, err := p.local.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "loading local snapshot")
	}
	p.store.Restore(snap)

	queue, err := p.local.LoadPending(ctx)
	if err != nil {
		return errors.Wrap(err, "loading pending sync queue")
	}
	p.qmu.Lock()
	p.queue = append([]models.PendingSync{}, queue...)
	p.qmu.Unlock()
	pendingEntries.Set(float64(len(queue)))
	onlineState.Set(boolGauge(p.Online()))

	p.logger.Info("Restored local data",
		slog.Int("teachers", len(snap.Teachers)),
		slog.Int("groups", len(snap.Groups)),
		slog.Int("pending", len(queue)),
		slog.Bool("online", p.Online()))

	if p.Online() && len(queue) > 0 {
		p.drain(ctx)
	}
	return nil
}

// Changed persists the dataset locally and then pushes or queues the
// affected teacher. Only a local persistence failure is returned, always as a
// StorageQuotaError or LocalSaveError: the change itself stands.
func (p *Policy) Changed(ctx context.Context, change store.Change) error {
	err := p.persist(ctx)
	if err != nil {
		p.logger.Warn("Local save failed", slog.String("change", string(change.Kind)), slog.String("error", err.Error()))
	}
	if change.Teacher == "" {
		return err
	}
	var deleted []string
	if change.Kind == store.GroupDeleted {
		deleted = []string{change.GroupCode}
	}
	if p.Online() {
		p.pushAsync(change.Teacher, deleted)
	} else {
		p.enqueue(ctx, change.Teacher, deleted)
	}
	return err
}

// SetOnline records a connectivity change. Going online drains the queue.
func (p *Policy) SetOnline(ctx context.Context, online bool) {
	was := p.online.Swap(online)
	onlineState.Set(boolGauge(online))
	switch {
	case online && !was:
		p.logger.Info("Remote store reachable, draining pending queue", slog.Int("pending", p.pendingLen()))
		p.drain(ctx)
	case !online && was:
		p.logger.Warn("Remote store unreachable, working offline")
	}
}

// Login loads a teacher. When online the remote copy wins over the local
// one; when offline, or the fetch fails, the local copy is used. Unknown
// teachers are created.
func (p *Policy) Login(ctx context.Context, name string) (*models.Teacher, error) {
	name, err := store.CleanTeacherName(name)
	if err != nil {
		return nil, err
	}

	if p.Online() {
		fctx, cancel := context.WithTimeout(ctx, p.timeout)
		t, groups, err := p.remote.FetchTeacher(fctx, name)
		cancel()
		switch {
		case err == nil:
			t.LastSync = p.now().UTC()
			p.store.ReplaceTeacher(t, groups)
			werr := p.persist(ctx)
			tch, err := p.store.Teacher(name)
			if err != nil {
				return nil, err
			}
			p.logger.Info("Loaded teacher from remote", slog.String("teacher", name), slog.Int("groups", len(groups)))
			return tch, werr
		case models.IsNotFound(err):
			p.logger.Debug("Teacher not on remote", slog.String("teacher", name))
		default:
			p.logger.Warn("Remote fetch failed, using local copy", slog.String("teacher", name), slog.String("error", err.Error()))
		}
	}

	return p.store.CreateTeacher(ctx, name)
}

// JoinGroup adds a student to a group, pulling the group from remote first
// when it is unknown locally.
func (p *Policy) JoinGroup(ctx context.Context, code, student string) error {
	code = store.NormalizeCode(code)
	if !p.store.HasGroup(code) && p.Online() {
		if err := p.importGroup(ctx, code); err != nil {
			p.logger.Warn("Could not fetch group from remote", slog.String("group", code), slog.String("error", err.Error()))
		}
	}
	return p.store.AddStudentToGroup(ctx, code, student)
}

func (p *Policy) importGroup(ctx context.Context, code string) error {
	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	g, err := p.remote.FetchGroup(fctx, code)
	if err != nil {
		return err
	}
	if _, err := p.store.Teacher(g.Teacher); models.IsNotFound(err) {
		// bring the owner along so later pushes carry the whole teacher;
		// without it the group is pushed on its own
		t, groups, ferr := p.remote.FetchTeacher(fctx, g.Teacher)
		if ferr == nil {
			t.LastSync = p.now().UTC()
			p.store.ReplaceTeacher(t, groups)
		} else {
			p.logger.Warn("Could not fetch group owner", slog.String("group", code), slog.String("teacher", g.Teacher), slog.String("error", ferr.Error()))
		}
	}
	p.store.ImportGroup(g)
	// a failed save is reported again by the join that follows
	_ = p.persist(ctx)
	p.logger.Info("Imported group from remote", slog.String("group", code), slog.String("teacher", g.Teacher))
	return nil
}

// Run probes the remote store every interval until ctx is done.
func (p *Policy) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Policy) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.remote.Ping(pctx)
	cancel()

	was := p.Online()
	p.SetOnline(ctx, err == nil)
	// a transition already drained
	if err == nil && was && p.pendingLen() > 0 {
		p.drain(ctx)
	}
}

// Wait blocks until every background push has finished.
func (p *Policy) Wait() {
	p.wg.Wait()
}

func (p *Policy) Online() bool {
	return p.online.Load()
}

// Pending returns a copy of the queue.
func (p *Policy) Pending() []models.PendingSync {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return append([]models.PendingSync{}, p.queue...)
}

func (p *Policy) pendingLen() int {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return len(p.queue)
}

// --- remote ---

func (p *Policy) pushAsync(teacher string, deleted []string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		err := p.push(ctx, teacher, deleted)
		switch {
		case err == nil:
		case models.IsNotFound(err):
			p.logger.Warn("Nothing to push", slog.String("teacher", teacher))
		default:
			p.logger.Warn("Remote push failed, queueing", slog.String("teacher", teacher), slog.String("error", err.Error()))
			p.enqueue(context.Background(), teacher, deleted)
		}
	}()
}

func (p *Policy) pushLock(teacher string) *sync.Mutex {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	mu, ok := p.pushLocks[teacher]
	if !ok {
		mu = &sync.Mutex{}
		p.pushLocks[teacher] = mu
	}
	return mu
}

// push sends the teacher's current records. Pushes for one teacher run one
// at a time and read the store only once they hold the lock, so a later push
// never carries older data. Groups owned by a teacher with no local record
// are pushed alone; a NotFoundError means there is nothing at all to send.
func (p *Policy) push(ctx context.Context, teacher string, deleted []string) error {
	mu := p.pushLock(teacher)
	mu.Lock()
	defer mu.Unlock()

	t, groups, err := p.store.TeacherRecords(teacher)
	if models.IsNotFound(err) {
		groups = p.store.OwnedGroups(teacher)
		if len(groups) == 0 && len(deleted) == 0 {
			pushesTotal.WithLabelValues("empty").Inc()
			return err
		}
		t = nil
	} else if err != nil {
		return err
	}
	err = p.remote.PushAll(ctx, teacher, t, groups, deleted)
	switch {
	case err == nil:
		pushesTotal.WithLabelValues("ok").Inc()
	case models.IsRemoteUnavailable(err):
		pushesTotal.WithLabelValues("unavailable").Inc()
	default:
		pushesTotal.WithLabelValues("failed").Inc()
	}
	return err
}

// drain pushes each queued teacher once, in first-seen order. Entries stamped
// after the push started stay queued. An entry with nothing left to push
// locally is dropped.
func (p *Policy) drain(ctx context.Context) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	entries := p.queued()
	if len(entries) == 0 {
		return
	}
	pushed, settled := 0, false
	for _, e := range entries {
		at := p.now()
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.push(pctx, e.Teacher, e.Deleted)
		cancel()
		if err != nil && !models.IsNotFound(err) {
			p.logger.Warn("Drain push failed", slog.String("teacher", e.Teacher), slog.String("error", err.Error()))
			if models.IsRemoteUnavailable(err) {
				break
			}
			continue
		}
		if err != nil {
			p.logger.Warn("Dropping queued teacher with no local records", slog.String("teacher", e.Teacher))
		} else {
			pushed++
		}
		p.settle(e.Teacher, at)
		settled = true
	}
	if settled {
		p.persistPending(ctx)
	}
	p.logger.Info("Drained pending queue", slog.Int("pushed", pushed), slog.Int("remaining", p.pendingLen()))
}

// queued returns the queue folded to one entry per teacher.
func (p *Policy) queued() []models.PendingSync {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	return models.CompactPending(p.queue)
}

// settle drops the teacher's entries stamped at or before at.
func (p *Policy) settle(teacher string, at time.Time) {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	kept := p.queue[:0]
	for _, e := range p.queue {
		if e.Teacher == teacher && !e.Timestamp.After(at) {
			continue
		}
		kept = append(kept, e)
	}
	p.queue = kept
}

// --- local ---

// enqueue records that teacher needs a push. A teacher already queued keeps
// its place, takes the newer timestamp and collects the deleted codes.
func (p *Policy) enqueue(ctx context.Context, teacher string, deleted []string) {
	now := p.now()
	p.qmu.Lock()
	queued := false
	for i := range p.queue {
		if p.queue[i].Teacher == teacher {
			p.queue[i].Timestamp = now
			p.queue[i].Deleted = models.MergeCodes(p.queue[i].Deleted, deleted)
			queued = true
			break
		}
	}
	if !queued {
		p.queue = append(p.queue, models.PendingSync{
			Type:      models.PendingSyncType,
			Teacher:   teacher,
			Timestamp: now,
			Deleted:   models.MergeCodes(nil, deleted),
		})
	}
	p.qmu.Unlock()
	p.persistPending(ctx)
}

func (p *Policy) persistPending(ctx context.Context) {
	err := p.withCleanup(ctx, func() error {
		return p.local.SavePending(ctx, p.Pending())
	})
	pendingEntries.Set(float64(p.pendingLen()))
	if err != nil {
		localSaveFailures.WithLabelValues("pending").Inc()
		p.logger.Warn("Could not persist pending queue", slog.String("error", err.Error()))
	}
}

// persist saves the whole dataset locally.
func (p *Policy) persist(ctx context.Context) error {
	err := p.withCleanup(ctx, func() error {
		return p.local.Save(ctx, p.store.Snapshot())
	})
	if err == nil {
		return nil
	}
	if models.IsStorageQuota(err) {
		localSaveFailures.WithLabelValues("quota").Inc()
		return err
	}
	localSaveFailures.WithLabelValues("io").Inc()
	return &models.LocalSaveError{Err: err}
}

// withCleanup runs save under the local write lock. On a quota failure it
// frees space and tries once more.
func (p *Policy) withCleanup(ctx context.Context, save func() error) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	err := save()
	if !models.IsStorageQuota(err) {
		return err
	}
	p.logger.Warn("Local storage full, cleaning up", slog.String("error", err.Error()))
	if cerr := p.local.Cleanup(ctx); cerr != nil {
		p.logger.Error("Local cleanup failed", slog.String("error", cerr.Error()))
		return err
	}
	p.qmu.Lock()
	p.queue = models.CompactPending(p.queue)
	p.qmu.Unlock()
	return save()
}
