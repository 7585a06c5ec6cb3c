package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskboard/internal/config"
	"taskboard/internal/db"
	"taskboard/internal/domain"
	"taskboard/internal/engine"
	"taskboard/internal/migrate"
	"taskboard/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func (env *testEnv) Advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = clock
	eng.Events.Now = clock
	return &testEnv{Engine: eng, Ctx: context.Background(), now: &now}
}

// seedTask creates project -> epic -> task and returns the task.
func seedTask(t *testing.T, env *testEnv) domain.Task {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, "platform", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	ep, err := env.Engine.CreateEpic(env.Ctx, p.ID, "auth", "")
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{EpicID: ep.ID, Name: "wire login"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateTaskDefaultsToPending(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	if task.Status != engine.StatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if task.LockHolder != nil {
		t.Fatalf("new task should be unlocked")
	}
}

func TestCreateTaskRejectsMissingEpic(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{EpicID: 999, Name: "orphan"})
	if !errors.Is(err, repo.ErrReferentialViolation) {
		t.Fatalf("err = %v, want referential violation", err)
	}
}

func TestStatusAliases(t *testing.T) {
	for alias, want := range map[string]string{
		"TODO":        engine.StatusPending,
		"BACKLOG":     engine.StatusPending,
		"IN_PROGRESS": engine.StatusInProgress,
		"REVIEW":      engine.StatusReview,
		"DONE":        engine.StatusCompleted,
		"BLOCKED":     engine.StatusBlocked,
	} {
		got, err := engine.CanonicalStatus(alias)
		if err != nil || got != want {
			t.Fatalf("CanonicalStatus(%s) = %s, %v; want %s", alias, got, err, want)
		}
	}
	if got, err := engine.CanonicalStatus("pending"); err != nil || got != "pending" {
		t.Fatalf("canonical passthrough failed: %s, %v", got, err)
	}
	if _, err := engine.CanonicalStatus("doing"); err == nil {
		t.Fatal("unknown status should be rejected")
	}
	if engine.StatusAlias(engine.StatusCompleted) != "DONE" {
		t.Fatalf("alias for completed = %s", engine.StatusAlias(engine.StatusCompleted))
	}
}

func TestStatusTransitionWhitelist(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)

	change, err := env.Engine.UpdateStatus(env.Ctx, task.ID, "IN_PROGRESS", "agent-a")
	if err != nil {
		t.Fatalf("to IN_PROGRESS: %v", err)
	}
	if change.Task.Status != engine.StatusInProgress {
		t.Fatalf("status = %s", change.Task.Status)
	}

	change, err = env.Engine.UpdateStatus(env.Ctx, task.ID, "REVIEW", "agent-a")
	if err != nil {
		t.Fatalf("to REVIEW: %v", err)
	}
	change, err = env.Engine.UpdateStatus(env.Ctx, task.ID, "DONE", "agent-a")
	if err != nil {
		t.Fatalf("to DONE: %v", err)
	}

	// completed only reopens to pending
	_, err = env.Engine.UpdateStatus(env.Ctx, task.ID, "IN_PROGRESS", "agent-a")
	var bad engine.InvalidTransitionError
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if bad.From != engine.StatusCompleted || bad.To != engine.StatusInProgress {
		t.Fatalf("unexpected transition error %+v", bad)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, task.ID, "TODO", "agent-a"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestStatusSameToSameIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	change, err := env.Engine.UpdateStatus(env.Ctx, task.ID, "TODO", "agent-a")
	if err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	if !change.NoOp {
		t.Fatal("expected no-op")
	}
	if change.Task.LockHolder != nil {
		t.Fatal("no-op must not touch the lock")
	}
}

func TestStartAutoAcquiresLock(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	change, err := env.Engine.UpdateStatus(env.Ctx, task.ID, "IN_PROGRESS", "agent-a")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if change.Task.LockHolder == nil || *change.Task.LockHolder != "agent-a" {
		t.Fatalf("lock holder = %v, want agent-a", change.Task.LockHolder)
	}

	// starting a task someone else holds is refused
	other := seedTaskInSameEpic(t, env, task.EpicID, "second task")
	if _, err := env.Engine.AcquireLock(env.Ctx, other.ID, "agent-b", 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = env.Engine.UpdateStatus(env.Ctx, other.ID, "IN_PROGRESS", "agent-a")
	var nh engine.NotHolderError
	if !errors.As(err, &nh) {
		t.Fatalf("err = %v, want NotHolderError", err)
	}
	if nh.Holder != "agent-b" {
		t.Fatalf("holder = %s", nh.Holder)
	}
}

func seedTaskInSameEpic(t *testing.T, env *testEnv, epicID int64, name string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{EpicID: epicID, Name: name})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestReviewReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	if _, err := env.Engine.UpdateStatus(env.Ctx, task.ID, "IN_PROGRESS", "agent-a"); err != nil {
		t.Fatal(err)
	}
	change, err := env.Engine.UpdateStatus(env.Ctx, task.ID, "REVIEW", "agent-a")
	if err != nil {
		t.Fatalf("to review: %v", err)
	}
	if !change.LockReleased {
		t.Fatal("review must release the lock")
	}
	if change.Task.LockHolder != nil {
		t.Fatal("lock fields should be cleared")
	}
}

func TestCompleteReleasesHeldLock(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-a", 0); err != nil {
		t.Fatal(err)
	}
	change, err := env.Engine.UpdateStatus(env.Ctx, task.ID, "DONE", "agent-a")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !change.LockReleased {
		t.Fatal("completing a held task reports lock_released")
	}
	if change.Task.LockHolder != nil {
		t.Fatal("lock fields should be cleared")
	}
}

func TestCompleteByNonHolderRefused(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-a", 0); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.UpdateStatus(env.Ctx, task.ID, "DONE", "agent-b")
	var nh engine.NotHolderError
	if !errors.As(err, &nh) {
		t.Fatalf("err = %v, want NotHolderError", err)
	}
	// the task is untouched
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != engine.StatusPending || got.LockHolder == nil {
		t.Fatalf("task mutated by refused update: %+v", got)
	}
}

func TestCompleteUnlockedTask(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	change, err := env.Engine.UpdateStatus(env.Ctx, task.ID, "DONE", "agent-a")
	if err != nil {
		t.Fatalf("complete unlocked: %v", err)
	}
	if change.LockReleased {
		t.Fatal("no lock to release")
	}
}

func TestBlockedKeepsLockAndStaysLockable(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	if _, err := env.Engine.UpdateStatus(env.Ctx, task.ID, "BLOCKED", "agent-a"); err != nil {
		t.Fatal(err)
	}
	// blocked tasks never show up as available work
	available, err := env.Engine.ListAvailable(env.Ctx, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range available {
		if a.ID == task.ID {
			t.Fatal("blocked task listed as available")
		}
	}
	// but they remain lockable
	if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-a", 0); err != nil {
		t.Fatalf("lock blocked task: %v", err)
	}
}

func TestAcquireConflict(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-a", 0); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-b", 0)
	var locked engine.AlreadyLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("err = %v, want AlreadyLockedError", err)
	}
	if locked.Holder != "agent-a" || locked.ExpiresAt == "" {
		t.Fatalf("conflict payload incomplete: %+v", locked)
	}
}

func TestAcquireIsMutuallyExclusive(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)

	const agents = 16
	var wg sync.WaitGroup
	wins := make(chan string, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		agent := string(rune('a' + i))
		go func() {
			defer wg.Done()
			if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-"+agent, 0); err == nil {
				wins <- agent
			}
		}()
	}
	wg.Wait()
	close(wins)
	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LockHolder == nil || *got.LockHolder != "agent-"+winners[0] {
		t.Fatalf("holder = %v, winner = %s", got.LockHolder, winners[0])
	}
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-a", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	env.Advance(10 * time.Second)
	got, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-b", 0)
	if err != nil {
		t.Fatalf("reclaim after expiry: %v", err)
	}
	if got.LockHolder == nil || *got.LockHolder != "agent-b" {
		t.Fatalf("holder = %v, want agent-b", got.LockHolder)
	}
}

func TestReleaseSemantics(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)

	// releasing an unlocked task is a quiet success
	_, released, err := env.Engine.ReleaseLock(env.Ctx, task.ID, "agent-a")
	if err != nil || released {
		t.Fatalf("release unlocked: released=%v err=%v", released, err)
	}

	if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-a", 0); err != nil {
		t.Fatal(err)
	}
	// wrong holder is refused
	_, _, err = env.Engine.ReleaseLock(env.Ctx, task.ID, "agent-b")
	var nh engine.NotHolderError
	if !errors.As(err, &nh) {
		t.Fatalf("err = %v, want NotHolderError", err)
	}
	// right holder succeeds
	got, released, err := env.Engine.ReleaseLock(env.Ctx, task.ID, "agent-a")
	if err != nil || !released {
		t.Fatalf("release: released=%v err=%v", released, err)
	}
	if got.LockHolder != nil {
		t.Fatal("lock fields should be cleared")
	}
}

func TestReleaseExpiredOwnLock(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-a", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	env.Advance(time.Minute)
	if _, _, err := env.Engine.ReleaseLock(env.Ctx, task.ID, "agent-a"); err != nil {
		t.Fatalf("releasing a lapsed lock you held must succeed: %v", err)
	}
}

func TestOwnershipStates(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)

	state, err := env.Engine.Ownership(env.Ctx, task.ID, "agent-a")
	if err != nil || state.Reason != "unlocked" {
		t.Fatalf("unlocked: %+v, %v", state, err)
	}

	if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-a", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	state, _ = env.Engine.Ownership(env.Ctx, task.ID, "agent-a")
	if !state.Held || state.Reason != "held" {
		t.Fatalf("held: %+v", state)
	}
	state, _ = env.Engine.Ownership(env.Ctx, task.ID, "agent-b")
	if state.Held || state.Reason != "other_holder" {
		t.Fatalf("other holder: %+v", state)
	}

	env.Advance(time.Minute)
	state, _ = env.Engine.Ownership(env.Ctx, task.ID, "agent-a")
	if state.Held || state.Reason != "expired" {
		t.Fatalf("expired: %+v", state)
	}
}

func TestSweepClearsExpiredLocks(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	other := seedTaskInSameEpic(t, env, task.EpicID, "second")
	if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-a", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcquireLock(env.Ctx, other.ID, "agent-b", time.Hour); err != nil {
		t.Fatal(err)
	}
	env.Advance(10 * time.Second)

	n, err := env.Engine.SweepExpired(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.LockHolder != nil {
		t.Fatal("expired lock not cleared")
	}
	still, _ := env.Engine.GetTask(env.Ctx, other.ID)
	if still.LockHolder == nil {
		t.Fatal("live lock must survive the sweep")
	}

	events, err := env.Engine.ListEvents(env.Ctx, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, evt := range events {
		if evt.Type == "task.unlocked" && evt.TaskID != nil && *evt.TaskID == task.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("sweep should emit task.unlocked")
	}
}

func TestLogSequencePerTask(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	other := seedTaskInSameEpic(t, env, task.EpicID, "second")

	for i := 0; i < 3; i++ {
		if _, err := env.Engine.AppendLog(env.Ctx, task.ID, "agent-a", "note"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.AppendLog(env.Ctx, other.ID, "agent-b", "other note"); err != nil {
		t.Fatal(err)
	}

	logs, err := env.Engine.ListLogs(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 {
		t.Fatalf("len = %d", len(logs))
	}
	for i, l := range logs {
		if l.Seq != int64(i+1) {
			t.Fatalf("seq[%d] = %d", i, l.Seq)
		}
	}
	otherLogs, _ := env.Engine.ListLogs(env.Ctx, other.ID)
	if len(otherLogs) != 1 || otherLogs[0].Seq != 1 {
		t.Fatalf("per-task sequences must be independent: %+v", otherLogs)
	}
}

func TestUpdateDetailsOwnershipGate(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-a", 0); err != nil {
		t.Fatal(err)
	}
	name := "renamed"
	_, err := env.Engine.UpdateTaskDetails(env.Ctx, task.ID, repo.TaskPatch{Name: &name}, "agent-b")
	var nh engine.NotHolderError
	if !errors.As(err, &nh) {
		t.Fatalf("err = %v, want NotHolderError", err)
	}
	got, err := env.Engine.UpdateTaskDetails(env.Ctx, task.ID, repo.TaskPatch{Name: &name}, "agent-a")
	if err != nil {
		t.Fatalf("holder update: %v", err)
	}
	if got.Name != "renamed" {
		t.Fatalf("name = %s", got.Name)
	}
}

func TestListAvailableExcludesLiveLocks(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	locked := seedTaskInSameEpic(t, env, task.EpicID, "claimed")
	expired := seedTaskInSameEpic(t, env, task.EpicID, "lapsed")

	if _, err := env.Engine.AcquireLock(env.Ctx, locked.ID, "agent-a", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcquireLock(env.Ctx, expired.ID, "agent-b", 5*time.Second); err != nil {
		t.Fatal(err)
	}
	env.Advance(10 * time.Second)

	available, err := env.Engine.ListAvailable(env.Ctx, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[int64]bool{}
	for _, a := range available {
		ids[a.ID] = true
	}
	if !ids[task.ID] || !ids[expired.ID] {
		t.Fatalf("unlocked and expired tasks should be available: %v", ids)
	}
	if ids[locked.ID] {
		t.Fatal("live-locked task must not be available")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.Engine.CreateProject(env.Ctx, "platform", "")
	ep, _ := env.Engine.CreateEpic(env.Ctx, p.ID, "auth", "")
	score := 7
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		EpicID:         ep.ID,
		Name:           "tagged",
		AssumptionTags: []string{"db", "auth"},
		Complexity:     &score,
		Metadata:       map[string]any{"owner_team": "core"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.AssumptionTags) != 2 || got.AssumptionTags[0] != "db" {
		t.Fatalf("tags = %v", got.AssumptionTags)
	}
	if got.Complexity == nil || *got.Complexity != 7 {
		t.Fatalf("complexity = %v", got.Complexity)
	}
	if got.Metadata["owner_team"] != "core" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
}

func TestEventsRecordCommittedChanges(t *testing.T) {
	env := newTestEnv(t)
	task := seedTask(t, env)
	if _, err := env.Engine.AcquireLock(env.Ctx, task.ID, "agent-a", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, task.ID, "IN_PROGRESS", "agent-a"); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.ListEvents(env.Ctx, 0, 50)
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{"project.created", "epic.created", "task.created", "task.locked", "task.status_changed"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
