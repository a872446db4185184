package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/statesync/backup"
	"github.com/hazyhaar/statesync/connectivity"
	"github.com/hazyhaar/statesync/gateway"
	"github.com/hazyhaar/statesync/reconcile"
	"github.com/hazyhaar/statesync/snapshot"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, gw gateway.Gateway, opts ...Option) (*Engine, *clock) {
	t.Helper()
	clk := &clock{now: t0.Add(time.Hour)}
	opts = append([]Option{WithClock(clk.Now), WithLogger(quiet())}, opts...)
	e := New(gw, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e, clk
}

func family(members ...snapshot.FamilyMember) *snapshot.Snapshot {
	return &snapshot.Snapshot{FamilyMembers: members}
}

func member(id, name string, at time.Time) snapshot.FamilyMember {
	return snapshot.FamilyMember{ID: id, Name: name, Relationship: "parent", UpdatedAt: at}
}

func seed(t *testing.T, gw gateway.Gateway, s *snapshot.Snapshot) {
	t.Helper()
	if err := gw.Save(context.Background(), s); err != nil {
		t.Fatal(err)
	}
}

func durable(t *testing.T, gw gateway.Gateway) *snapshot.Snapshot {
	t.Helper()
	s, err := gw.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// gated blocks Load until release is closed.
type gated struct {
	*gateway.Memory
	entered chan struct{}
	release chan struct{}
}

func newGated() *gated {
	return &gated{Memory: gateway.NewMemory(), entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gated) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.Memory.Load(ctx)
}

// counting tracks how many Load/Save calls overlap.
type counting struct {
	*gateway.Memory
	active, max atomic.Int32
}

func (g *counting) enter() func() {
	n := g.active.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return func() { g.active.Add(-1) }
}

func (g *counting) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	defer g.enter()()
	return g.Memory.Load(ctx)
}

func (g *counting) Save(ctx context.Context, s *snapshot.Snapshot) error {
	defer g.enter()()
	return g.Memory.Save(ctx, s)
}

type failingSave struct {
	*gateway.Memory
}

func (g failingSave) Save(context.Context, *snapshot.Snapshot) error {
	return &gateway.Error{Op: gateway.OpSave, Err: errors.New("disk full")}
}

type recorder struct {
	mu          sync.Mutex
	conflicts   []reconcile.Conflict
	orphans     []reconcile.Orphan
	resolutions []reconcile.Applied
}

func (r *recorder) RecordConflicts(_ context.Context, _ reconcile.Strategy, cs []reconcile.Conflict) {
	r.mu.Lock()
	r.conflicts = append(r.conflicts, cs...)
	r.mu.Unlock()
}

func (r *recorder) RecordOrphans(_ context.Context, os []reconcile.Orphan) {
	r.mu.Lock()
	r.orphans = append(r.orphans, os...)
	r.mu.Unlock()
}

func (r *recorder) RecordResolutions(_ context.Context, as []reconcile.Applied) {
	r.mu.Lock()
	r.resolutions = append(r.resolutions, as...)
	r.mu.Unlock()
}

func TestPerformSync_NoConflictSavesCurrentUnchanged(t *testing.T) {
	gw := gateway.NewMemory()
	e, _ := newTestEngine(t, gw)

	current := &snapshot.Snapshot{
		FamilyMembers: []snapshot.FamilyMember{member("a", "Ana", t0), member("b", "Beto", t0)},
		Memories:      []snapshot.Memory{{ID: "m1", FamilyMemberID: "a", Title: "Beach", Tags: []string{"summer"}, UpdatedAt: t0}},
		Altar:         &snapshot.Altar{ID: "altar", Theme: "marigold", Decorations: []snapshot.Decoration{{ID: "d1", Type: "candle", X: 1, Y: 2}}, UpdatedAt: t0},
	}
	want, err := snapshot.Marshal(current)
	if err != nil {
		t.Fatal(err)
	}

	res := e.PerformSync(context.Background(), current, nil)
	if !res.Success || len(res.Conflicts) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if !bytes.Equal(gw.Durable(), want) {
		t.Fatalf("durable copy differs from current:\n%s\n%s", gw.Durable(), want)
	}
}

func TestPerformSync_PersistedWins(t *testing.T) {
	gw := gateway.NewMemory()
	seed(t, gw, family(member("A", "X", t0.Add(5*time.Second))))
	e, _ := newTestEngine(t, gw, WithStrategy(reconcile.PersistedWins))

	var handed []reconcile.Conflict
	res := e.PerformSync(context.Background(), family(member("A", "old", t0)), func(cs []reconcile.Conflict) {
		handed = cs
	})
	if !res.Success || len(res.Conflicts) != 1 || len(handed) != 1 {
		t.Fatalf("result = %+v, handed %d", res, len(handed))
	}
	if got := durable(t, gw).FamilyMembers[0].Name; got != "X" {
		t.Fatalf("durable name = %q, want X", got)
	}
	q := e.PendingConflicts()
	if len(q) != 1 || q[0].EntityID != "A" || strings.Join(q[0].Fields, ",") != "name" {
		t.Fatalf("queue = %+v", q)
	}
	if !e.Status().HasUnresolvedConflicts {
		t.Fatal("status does not report the queued conflict")
	}
}

func TestPerformSync_LastWriteWinsKeepsNewerCurrent(t *testing.T) {
	gw := gateway.NewMemory()
	seed(t, gw, family(member("A", "theirs", t0)))
	e, _ := newTestEngine(t, gw)

	res := e.PerformSync(context.Background(), family(member("A", "mine", t0.Add(3*time.Second))), nil)
	if !res.Success || len(res.Conflicts) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := durable(t, gw).FamilyMembers[0].Name; got != "mine" {
		t.Fatalf("durable name = %q, want mine", got)
	}
}

func TestPerformSync_RejectsWhileInFlight(t *testing.T) {
	gw := newGated()
	e, _ := newTestEngine(t, gw)

	done := make(chan Result)
	go func() { done <- e.PerformSync(context.Background(), family(member("a", "Ana", t0)), nil) }()
	<-gw.entered

	if !e.Status().InFlight {
		t.Fatal("status does not report the running cycle")
	}
	for range 3 {
		res := e.PerformSync(context.Background(), family(member("a", "Ana", t0)), nil)
		if res.Success || res.Message != ErrSyncInProgress.Error() {
			t.Fatalf("concurrent sync = %+v, want rejection", res)
		}
	}

	close(gw.release)
	if res := <-done; !res.Success {
		t.Fatalf("first sync = %+v", res)
	}
	if e.Status().InFlight {
		t.Fatal("in-flight flag not cleared")
	}
}

func TestSync_MaxConcurrencyOne(t *testing.T) {
	gw := &counting{Memory: gateway.NewMemory()}
	e, _ := newTestEngine(t, gw, WithInterval(time.Millisecond), WithClock(time.Now))

	source := func(context.Context) (*snapshot.Snapshot, error) {
		return family(member("a", "Ana", time.Now())), nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.StartAutoSync(ctx, source, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				cur, _ := source(ctx)
				e.PerformSync(ctx, cur, nil)
				e.Trigger()
			}
		}()
	}
	wg.Wait()
	e.StopAutoSync()

	if got := gw.max.Load(); got != 1 {
		t.Fatalf("max concurrent gateway calls = %d, want 1", got)
	}
	if gw.Saves() == 0 {
		t.Fatal("no cycle ran")
	}
}

func TestMarkChanged_SurvivesConcurrentCycle(t *testing.T) {
	gw := newGated()
	e, _ := newTestEngine(t, gw)

	e.MarkChanged(snapshot.KindFamilyMember, "a")
	e.MarkChanged(snapshot.KindFamilyMember, "a")
	if n := e.Status().PendingCount; n != 1 {
		t.Fatalf("pending = %d after marking twice, want 1", n)
	}

	done := make(chan Result)
	go func() { done <- e.PerformSync(context.Background(), family(member("a", "Ana", t0)), nil) }()
	<-gw.entered
	e.MarkChanged(snapshot.KindMemory, "m1")
	close(gw.release)

	if res := <-done; !res.Success {
		t.Fatalf("sync = %+v", res)
	}
	pending := e.Pending()
	if len(pending) != 1 || pending[0] != (Marker{Kind: snapshot.KindMemory, EntityID: "m1"}) {
		t.Fatalf("pending after cycle = %+v, want only the marker added mid-cycle", pending)
	}
}

func TestPerformSync_FailureKeepsState(t *testing.T) {
	gw := failingSave{gateway.NewMemory()}
	e, _ := newTestEngine(t, gw)

	e.MarkChanged(snapshot.KindFamilyMember, "a")
	res := e.PerformSync(context.Background(), family(member("a", "Ana", t0)), nil)
	if res.Success || !strings.Contains(res.Message, "save failed") {
		t.Fatalf("result = %+v", res)
	}
	st := e.Status()
	if st.PendingCount != 1 || !st.LastSyncAt.IsZero() {
		t.Fatalf("status after failure = %+v", st)
	}
}

func TestPerformSync_ShortCircuit(t *testing.T) {
	gw := gateway.NewMemory()
	e, clk := newTestEngine(t, gw)
	current := family(member("a", "Ana", t0))

	if res := e.PerformSync(context.Background(), current, nil); !res.Success || res.Skipped {
		t.Fatalf("first sync = %+v", res)
	}
	if got := e.Status().LastSyncAt; !got.Equal(clk.Now()) {
		t.Fatalf("lastSyncAt = %v, want cycle start %v", got, clk.Now())
	}

	clk.Advance(time.Minute)
	res := e.PerformSync(context.Background(), current, nil)
	if !res.Success || !res.Skipped {
		t.Fatalf("unchanged sync = %+v, want skipped", res)
	}
	if gw.Saves() != 1 {
		t.Fatalf("saves = %d, want 1", gw.Saves())
	}

	e.MarkChanged(snapshot.KindFamilyMember, "a")
	if res := e.PerformSync(context.Background(), current, nil); res.Skipped {
		t.Fatal("marked change was skipped")
	}
}

func TestPerformSync_OrphansRecorded(t *testing.T) {
	gw := gateway.NewMemory()
	seed(t, gw, family(member("a", "Ana", t0), member("gone", "Old", t0)))
	rec := &recorder{}
	e, _ := newTestEngine(t, gw, WithRecorder(rec))

	res := e.PerformSync(context.Background(), family(member("a", "Ana", t0), member("new", "New", t0)), nil)
	if !res.Success || len(res.Conflicts) != 0 {
		t.Fatalf("result = %+v", res)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.orphans) != 2 {
		t.Fatalf("orphans = %+v", rec.orphans)
	}
	ids := durable(t, gw).Entities(snapshot.KindFamilyMember)
	if len(ids) != 2 || ids[0].EntityID() != "a" || ids[1].EntityID() != "new" {
		t.Fatalf("durable members = %v", ids)
	}
}

func TestPerformSync_CreatesBackupOverThreshold(t *testing.T) {
	gw := gateway.NewMemory()
	clk := &clock{now: t0.Add(time.Hour)}
	mgr := backup.New(gw, backup.WithChangeThreshold(2), backup.WithClock(clk.Now), backup.WithLogger(quiet()))
	e, _ := newTestEngine(t, gw, WithBackupManager(mgr), WithClock(clk.Now))

	e.MarkChanged(snapshot.KindFamilyMember, "a")
	if res := e.PerformSync(context.Background(), family(member("a", "Ana", t0)), nil); res.BackupID != "" {
		t.Fatalf("backup below threshold: %+v", res)
	}
	e.MarkChanged(snapshot.KindFamilyMember, "a")
	e.MarkChanged(snapshot.KindFamilyMember, "b")
	res := e.PerformSync(context.Background(), family(member("a", "Ana", t0), member("b", "Beto", t0)), nil)
	if res.BackupID == "" {
		t.Fatalf("no backup at threshold: %+v", res)
	}
	infos, err := e.AvailableBackups(context.Background())
	if err != nil || len(infos) != 1 || infos[0].ID != res.BackupID {
		t.Fatalf("backups = %+v, %v", infos, err)
	}
}

func TestResolvePendingConflicts(t *testing.T) {
	gw := gateway.NewMemory()
	seed(t, gw, &snapshot.Snapshot{
		FamilyMembers: []snapshot.FamilyMember{member("A", "theirs", t0)},
		Memories:      []snapshot.Memory{{ID: "m1", Title: "Old title", UpdatedAt: t0}},
	})
	rec := &recorder{}
	var hooks []string
	e, clk := newTestEngine(t, gw, WithRecorder(rec), WithSavedHook(func(s Saved) { hooks = append(hooks, s.Reason) }))

	current := &snapshot.Snapshot{
		FamilyMembers: []snapshot.FamilyMember{member("A", "mine", t0.Add(5*time.Second))},
		Memories:      []snapshot.Memory{{ID: "m1", Title: "New title", UpdatedAt: t0.Add(5 * time.Second)}},
	}
	res := e.PerformSync(context.Background(), current, nil)
	if len(res.Conflicts) != 2 {
		t.Fatalf("conflicts = %+v", res.Conflicts)
	}
	byEntity := map[string]string{}
	for _, c := range e.PendingConflicts() {
		byEntity[c.EntityID] = c.ID
	}

	resolutions, err := e.DecodeResolutions([]ResolutionRequest{
		{ConflictID: byEntity["A"], Source: reconcile.SourcePersisted},
		{ConflictID: byEntity["m1"], Source: reconcile.SourceCustom, CustomData: []byte(`{"id":"m1","title":"Agreed title"}`)},
		{ConflictID: "cfl_unknown", Source: reconcile.SourceCurrent},
	})
	if err != nil {
		t.Fatal(err)
	}
	out, report, err := e.ResolvePendingConflicts(context.Background(), resolutions, current)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Applied) != 2 || len(report.Unmatched) != 1 || report.Unmatched[0] != "cfl_unknown" {
		t.Fatalf("report = %+v", report)
	}
	if len(e.PendingConflicts()) != 0 {
		t.Fatal("resolved conflicts still queued")
	}

	got := durable(t, gw)
	if got.FamilyMembers[0].Name != "theirs" {
		t.Fatalf("member name = %q, want theirs", got.FamilyMembers[0].Name)
	}
	if got.Memories[0].Title != "Agreed title" || !got.Memories[0].UpdatedAt.Equal(clk.Now()) {
		t.Fatalf("memory = %+v, want custom title stamped at %v", got.Memories[0], clk.Now())
	}
	if out.Memories[0].Title != "Agreed title" {
		t.Fatal("returned snapshot differs from the saved one")
	}
	if current.Memories[0].Title != "New title" {
		t.Fatal("caller snapshot mutated")
	}
	if len(rec.resolutions) != 2 {
		t.Fatalf("recorded resolutions = %d", len(rec.resolutions))
	}
	if strings.Join(hooks, ",") != "sync,resolve" {
		t.Fatalf("saved hooks = %v", hooks)
	}
}

func TestResolvePendingConflicts_NothingMatched(t *testing.T) {
	gw := gateway.NewMemory()
	e, _ := newTestEngine(t, gw)

	_, report, err := e.ResolvePendingConflicts(context.Background(),
		[]reconcile.Resolution{{ConflictID: "nope", Source: reconcile.SourceCurrent}},
		family(member("a", "Ana", t0)))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Unmatched) != 1 || gw.Saves() != 0 {
		t.Fatalf("report = %+v, saves = %d", report, gw.Saves())
	}
}

func TestRestoreFromBackup(t *testing.T) {
	gw := gateway.NewMemory()
	var restoredHook *snapshot.Snapshot
	e, clk := newTestEngine(t, gw, WithStrategy(reconcile.PersistedWins), WithSavedHook(func(s Saved) {
		if s.Reason == "restore" {
			restoredHook = s.Snapshot
		}
	}))
	ctx := context.Background()

	e.PerformSync(ctx, family(member("a", "Original", t0)), nil)
	id, err := e.CreateBackup(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	seed(t, gw, family(member("a", "Changed", t0.Add(time.Minute))))
	clk.Advance(time.Minute)
	e.MarkChanged(snapshot.KindFamilyMember, "a")
	e.PerformSync(ctx, family(member("a", "Local", t0.Add(2*time.Minute))), nil)

	clk.Advance(time.Minute)
	e.MarkChanged(snapshot.KindAltar, "")
	restored, err := e.RestoreFromBackup(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if restored.FamilyMembers[0].Name != "Original" || durable(t, gw).FamilyMembers[0].Name != "Original" {
		t.Fatalf("restored = %+v", restored.FamilyMembers)
	}
	st := e.Status()
	if st.PendingCount != 0 || st.HasUnresolvedConflicts || !st.LastSyncAt.Equal(clk.Now()) {
		t.Fatalf("status after restore = %+v", st)
	}
	if restoredHook == nil {
		t.Fatal("saved hook not called for restore")
	}

	if _, err := e.RestoreFromBackup(ctx, "bak_missing"); !backup.IsNotFound(err) {
		t.Fatalf("unknown backup: %v", err)
	}
}

func TestCreateBackup_NothingStored(t *testing.T) {
	e, _ := newTestEngine(t, gateway.NewMemory())
	if _, err := e.CreateBackup(context.Background(), nil); err == nil {
		t.Fatal("backup of an empty store succeeded")
	}
}

func TestCleanupOldBackups(t *testing.T) {
	gw := gateway.NewMemory()
	clk := &clock{now: t0}
	mgr := backup.New(gw, backup.WithRetention(2), backup.WithClock(clk.Now), backup.WithLogger(quiet()))
	e, _ := newTestEngine(t, gw, WithBackupManager(mgr))
	ctx := context.Background()

	for i := range 3 {
		clk.Advance(time.Second)
		seedBackup := family(member("a", strings.Repeat("x", i+1), t0))
		if _, err := mgr.Create(ctx, seedBackup); err != nil {
			t.Fatal(err)
		}
	}
	// Create rotates, so only the newest two remain.
	n, err := e.CleanupOldBackups(ctx)
	if err != nil || n != 0 {
		t.Fatalf("cleanup = %d, %v", n, err)
	}
	infos, _ := e.AvailableBackups(ctx)
	if len(infos) != 2 {
		t.Fatalf("backups = %d, want 2", len(infos))
	}
}

func TestStartAutoSync_RestartReplacesLoop(t *testing.T) {
	gw := gateway.NewMemory()
	e, _ := newTestEngine(t, gw, WithInterval(time.Hour))

	var calls atomic.Int32
	source := func(context.Context) (*snapshot.Snapshot, error) {
		calls.Add(1)
		return family(member("a", "Ana", t0)), nil
	}
	ctx := context.Background()
	e.StartAutoSync(ctx, source, nil)
	eventually(t, "immediate cycle", func() bool { return calls.Load() == 1 })

	e.mu.Lock()
	first := e.auto
	e.mu.Unlock()

	e.StartAutoSync(ctx, source, nil)
	eventually(t, "immediate cycle after restart", func() bool { return calls.Load() == 2 })
	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("previous loop still running after restart")
	}
	if !e.Status().AutoSyncEnabled {
		t.Fatal("auto-sync not reported after restart")
	}

	e.StopAutoSync()
	if e.Status().AutoSyncEnabled {
		t.Fatal("auto-sync still reported after stop")
	}
}

func TestStartAutoSync_RestartWaitsForRunningCycle(t *testing.T) {
	gw := newGated()
	e, clk := newTestEngine(t, gw, WithInterval(time.Hour))

	// Each read is newer than the previous cycle, so no cycle short-circuits.
	source := func(context.Context) (*snapshot.Snapshot, error) {
		clk.Advance(time.Second)
		return family(member("a", "Ana", clk.Now())), nil
	}
	ctx := context.Background()
	e.StartAutoSync(ctx, source, nil)
	<-gw.entered

	e.StartAutoSync(ctx, source, nil)
	close(gw.release)

	eventually(t, "immediate cycle of the new schedule", func() bool { return gw.Saves() == 2 })
}

func TestTick_EditDuringReadIsNotSkipped(t *testing.T) {
	gw := gateway.NewMemory()
	e, clk := newTestEngine(t, gw, WithStrategy(reconcile.CurrentWins))

	var edited *snapshot.Snapshot
	source := func(context.Context) (*snapshot.Snapshot, error) {
		read := family(member("a", "Ana", t0))
		clk.Advance(time.Second)
		edited = family(member("a", "Ana Maria", clk.Now()))
		clk.Advance(time.Second)
		return read, nil
	}
	e.tick(context.Background(), source, nil, "timer")
	if gw.Saves() != 1 {
		t.Fatalf("saves = %d, want 1", gw.Saves())
	}

	res := e.PerformSync(context.Background(), edited, nil)
	if !res.Success || res.Skipped {
		t.Fatalf("sync of the concurrent edit = %+v", res)
	}
	if got := durable(t, gw).FamilyMembers[0].Name; got != "Ana Maria" {
		t.Fatalf("durable name = %q, want Ana Maria", got)
	}
}

func TestAutoSync_OfflineSkipsTicks(t *testing.T) {
	obs := connectivity.NewObserver(false)
	e, _ := newTestEngine(t, gateway.NewMemory(), WithInterval(10*time.Millisecond), WithObserver(obs))

	var calls atomic.Int32
	source := func(context.Context) (*snapshot.Snapshot, error) {
		calls.Add(1)
		return family(member("a", "Ana", t0)), nil
	}
	e.StartAutoSync(context.Background(), source, nil)
	eventually(t, "start cycle", func() bool { return calls.Load() == 1 })

	time.Sleep(80 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("source called %d times while offline", got)
	}

	obs.SetOnline(true)
	eventually(t, "cycles after reconnect", func() bool { return calls.Load() >= 3 })
}

func TestAutoSync_VisibleTriggersCycle(t *testing.T) {
	obs := connectivity.NewObserver(true)
	e, _ := newTestEngine(t, gateway.NewMemory(), WithInterval(time.Hour), WithObserver(obs))

	var calls atomic.Int32
	e.StartAutoSync(context.Background(), func(context.Context) (*snapshot.Snapshot, error) {
		calls.Add(1)
		return &snapshot.Snapshot{}, nil
	}, nil)
	eventually(t, "start cycle", func() bool { return calls.Load() == 1 })

	obs.NotifyVisible()
	eventually(t, "visibility cycle", func() bool { return calls.Load() == 2 })

	obs.SetOnline(false)
	obs.NotifyVisible()
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Fatalf("visible while offline ran a cycle (%d calls)", got)
	}
}

func TestNoteDurableChange(t *testing.T) {
	gw := gateway.NewMemory()
	e, _ := newTestEngine(t, gw, WithInterval(time.Hour))
	current := family(member("a", "Ana", t0))

	var calls atomic.Int32
	e.StartAutoSync(context.Background(), func(context.Context) (*snapshot.Snapshot, error) {
		calls.Add(1)
		return current, nil
	}, nil)
	eventually(t, "start cycle", func() bool { return gw.Saves() == 1 })

	e.NoteDurableChange()
	eventually(t, "cycle for the durable change", func() bool { return gw.Saves() == 2 })
	eventually(t, "marker cleared", func() bool { return e.Status().PendingCount == 0 })
}

func TestShutdown(t *testing.T) {
	e, _ := newTestEngine(t, gateway.NewMemory(), WithInterval(time.Millisecond))
	e.StartAutoSync(context.Background(), func(context.Context) (*snapshot.Snapshot, error) {
		return &snapshot.Snapshot{}, nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if e.Status().AutoSyncEnabled {
		t.Fatal("auto-sync still enabled after shutdown")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	gw := gateway.NewMemory()
	seed(t, gw, family(member("a", "theirs", t0)))
	e, _ := newTestEngine(t, gw, WithRegisterer(reg))

	current := family(member("a", "mine", t0.Add(5*time.Second)))
	e.PerformSync(context.Background(), current, nil)
	e.PerformSync(context.Background(), current, nil)

	if v := counterValue(t, reg, "statesync_cycles_total", "outcome", "success"); v != 1 {
		t.Errorf("success cycles = %v", v)
	}
	if v := counterValue(t, reg, "statesync_cycles_total", "outcome", "skipped"); v != 1 {
		t.Errorf("skipped cycles = %v", v)
	}
	if v := counterValue(t, reg, "statesync_conflicts_detected_total", "kind", "family_member"); v != 1 {
		t.Errorf("conflicts = %v", v)
	}
}
