package persistence

import (
	"context"
	"testing"
	"time"

	"botticelli/internal/sqlitedb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedb.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	store, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestUpsertAndLoadTaskState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpsertTaskState(ctx, TaskState{TaskID: "t1", ActorName: "researcher", Metadata: `{"k":"v"}`})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	state, err := store.LoadTaskState(ctx, "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.ActorName != "researcher" || state.Metadata != `{"k":"v"}` {
		t.Fatalf("unexpected state: %+v", state)
	}

	err = store.UpsertTaskState(ctx, TaskState{TaskID: "t1", ActorName: "researcher-v2", Metadata: "{}"})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	state, err = store.LoadTaskState(ctx, "t1")
	if err != nil {
		t.Fatalf("load after re-upsert: %v", err)
	}
	if state.ActorName != "researcher-v2" {
		t.Fatalf("expected upsert to replace actor_name, got %q", state.ActorName)
	}
}

func TestLoadTaskStateNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadTaskState(context.Background(), "missing")
	if _, ok := err.(*TaskNotFoundError); !ok {
		t.Fatalf("expected *TaskNotFoundError, got %T: %v", err, err)
	}
}

func TestListTasksByPauseState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, store, TaskState{TaskID: "t1", ActorName: "a"})
	mustUpsert(t, store, TaskState{TaskID: "t2", ActorName: "a", IsPaused: true})

	active, err := store.ListActiveTasks(ctx)
	if err != nil || len(active) != 1 || active[0].TaskID != "t1" {
		t.Fatalf("expected one active task t1, got %+v (err=%v)", active, err)
	}
	paused, err := store.ListPausedTasks(ctx)
	if err != nil || len(paused) != 1 || paused[0].TaskID != "t2" {
		t.Fatalf("expected one paused task t2, got %+v (err=%v)", paused, err)
	}

	if err := store.ResumeTask(ctx, "t2"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	active, err = store.ListActiveTasks(ctx)
	if err != nil || len(active) != 2 {
		t.Fatalf("expected both tasks active after resume, got %+v (err=%v)", active, err)
	}
}

func TestListTasksByActor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, store, TaskState{TaskID: "t1", ActorName: "researcher"})
	mustUpsert(t, store, TaskState{TaskID: "t2", ActorName: "writer"})

	tasks, err := store.ListTasksByActor(ctx, "researcher")
	if err != nil || len(tasks) != 1 || tasks[0].TaskID != "t1" {
		t.Fatalf("unexpected tasks: %+v (err=%v)", tasks, err)
	}
}

func TestUpdateNextRunRequiresExistingTask(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateNextRun(context.Background(), "missing", time.Now())
	if _, ok := err.(*TaskNotFoundError); !ok {
		t.Fatalf("expected *TaskNotFoundError, got %v", err)
	}
}

func TestRecordFailureThresholdAndRecordSuccessResets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, store, TaskState{TaskID: "t1", ActorName: "a"})

	for i := 0; i < 3; i++ {
		exceeded, err := store.RecordFailure(ctx, "t1", 3)
		if err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		if exceeded {
			t.Fatalf("failure %d should not yet exceed threshold 3", i)
		}
	}
	exceeded, err := store.RecordFailure(ctx, "t1", 3)
	if err != nil {
		t.Fatalf("record failure 4: %v", err)
	}
	if !exceeded {
		t.Fatal("the fourth consecutive failure should exceed threshold 3")
	}

	if err := store.RecordSuccess(ctx, "t1"); err != nil {
		t.Fatalf("record success: %v", err)
	}
	state, err := store.LoadTaskState(ctx, "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive_failures reset to 0, got %d", state.ConsecutiveFailures)
	}
	if state.LastRun == nil {
		t.Fatal("expected record success to stamp last_run")
	}
}

func TestExecutionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, store, TaskState{TaskID: "t1", ActorName: "a"})

	id, err := store.StartExecution(ctx, "t1", "a")
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if err := store.CompleteExecution(ctx, id, true, nil, 2, 0, 1, `{"note":"ok"}`); err != nil {
		t.Fatalf("complete execution: %v", err)
	}

	history, err := store.GetExecutionHistory(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || !history[0].Success || history[0].CompletedAt == nil {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history[0].SkillsSucceeded != 2 || history[0].SkillsSkipped != 1 {
		t.Fatalf("unexpected skill counters: %+v", history[0])
	}
}

func TestFailExecution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, store, TaskState{TaskID: "t1", ActorName: "a"})

	id, err := store.StartExecution(ctx, "t1", "a")
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if err := store.FailExecution(ctx, id, "backend timeout"); err != nil {
		t.Fatalf("fail execution: %v", err)
	}
	history, err := store.GetExecutionHistory(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history[0].Success {
		t.Fatal("expected failed execution to record success=false")
	}
	if history[0].ErrorMessage == nil || *history[0].ErrorMessage != "backend timeout" {
		t.Fatalf("unexpected error message: %v", history[0].ErrorMessage)
	}
}

func TestPendingActionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreatePendingAction(ctx, "n1", "discord.roles.assign", map[string]string{"role_id": "mod"}, "promote")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := store.ListPendingActions(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending action, got %+v (err=%v)", pending, err)
	}

	if err := store.ApproveAction(ctx, id, "operator-1", "looks good"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	action, err := store.GetPendingAction(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if action.Decision != "approved" || action.Args["role_id"] != "mod" {
		t.Fatalf("unexpected action: %+v", action)
	}

	pending, err = store.ListPendingActions(ctx)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected no pending actions after approval, got %+v (err=%v)", pending, err)
	}
}

func TestPendingActionNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetPendingAction(context.Background(), "missing")
	if _, ok := err.(*PendingActionNotFoundError); !ok {
		t.Fatalf("expected *PendingActionNotFoundError, got %v", err)
	}
}

func mustUpsert(t *testing.T, store *Store, state TaskState) {
	t.Helper()
	if err := store.UpsertTaskState(context.Background(), state); err != nil {
		t.Fatalf("upsert %s: %v", state.TaskID, err)
	}
}
