package db

import (
	"path/filepath"
	"testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)

	f := &Flow{ID: "check-1", Kind: KindCheck, FromVersion: "1.0.0"}
	if err := repo.Create(f); err != nil {
		t.Fatalf("failed to create flow: %v", err)
	}

	got, err := repo.Get("check-1")
	if err != nil {
		t.Fatalf("failed to get flow: %v", err)
	}
	if got == nil || got.Kind != KindCheck || got.FromVersion != "1.0.0" || got.State != StateRunning {
		t.Errorf("retrieved flow mismatch: got %+v", got)
	}
	if got.FinishedAt != "" {
		t.Errorf("running flow should have no finish time, got %q", got.FinishedAt)
	}

	missing, err := repo.Get("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing flow, got %+v, %v", missing, err)
	}
}

func TestRepository_Finish(t *testing.T) {
	repo := newTestRepo(t)

	f := &Flow{ID: "apply-1", Kind: KindApply, FromVersion: "1.0.0", ToVersion: "v1.1.0"}
	if err := repo.Create(f); err != nil {
		t.Fatalf("failed to create flow: %v", err)
	}

	f.State = StateFailed
	f.SHA256 = "abc123"
	f.ErrorMessage = "corrupt archive"
	if err := repo.Finish(f); err != nil {
		t.Fatalf("failed to finish flow: %v", err)
	}

	got, _ := repo.Get("apply-1")
	if got.State != StateFailed || got.ErrorMessage != "corrupt archive" || got.SHA256 != "abc123" {
		t.Errorf("flow not finished: got %+v", got)
	}
	if got.FinishedAt == "" {
		t.Error("finished flow should carry a finish time")
	}

	if err := repo.Finish(&Flow{ID: "ghost", State: StateCompleted}); err == nil {
		t.Error("expected error finishing an unknown flow")
	}
}

func TestRepository_RejectsUnknownKind(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Create(&Flow{ID: "x", Kind: "rollback", FromVersion: "1.0.0"}); err == nil {
		t.Error("expected constraint violation for unknown kind")
	}
}

func TestRepository_List(t *testing.T) {
	repo := newTestRepo(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := repo.Create(&Flow{ID: id, Kind: KindCheck, FromVersion: "1.0.0"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	flows, err := repo.List(0)
	if err != nil {
		t.Fatalf("failed to list flows: %v", err)
	}
	if len(flows) != 3 {
		t.Fatalf("expected 3 flows, got %d", len(flows))
	}
	if flows[0].ID != "c" {
		t.Errorf("newest flow should come first, got %s", flows[0].ID)
	}

	limited, _ := repo.List(2)
	if len(limited) != 2 {
		t.Errorf("expected 2 flows with limit, got %d", len(limited))
	}
}

func TestRepository_MarkAbandonedAndPrune(t *testing.T) {
	repo := newTestRepo(t)

	for _, id := range []string{"a", "b", "c", "d"} {
		repo.Create(&Flow{ID: id, Kind: KindCheck, FromVersion: "1.0.0"})
	}
	done := &Flow{ID: "a", State: StateCompleted}
	repo.Finish(done)

	n, err := repo.MarkAbandoned()
	if err != nil {
		t.Fatalf("MarkAbandoned failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 abandoned flows, got %d", n)
	}
	got, _ := repo.Get("b")
	if got.State != StateFailed {
		t.Errorf("abandoned flow state = %s", got.State)
	}

	pruned, err := repo.Prune(2)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned flows, got %d", pruned)
	}
	remaining, _ := repo.List(0)
	if len(remaining) != 2 || remaining[0].ID != "d" || remaining[1].ID != "c" {
		t.Errorf("unexpected remaining flows: %+v", remaining)
	}
}
