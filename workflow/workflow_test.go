package workflow

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/takeoff/dbopen"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewStore(db)
}

func TestStateNext(t *testing.T) {
	tests := []struct {
		from State
		want State
	}{
		{StateDetected, StateReviewing},
		{StateReviewing, StateVerified},
		{StateVerified, StateApproved},
		{StateApproved, ""},
	}
	for _, tt := range tests {
		if got := tt.from.Next(); got != tt.want {
			t.Errorf("%s.Next() = %q, want %q", tt.from, got, tt.want)
		}
	}
}

func TestCanAdvance_NoSkipping(t *testing.T) {
	if StateDetected.CanAdvance(StateVerified) {
		t.Error("detected → verified must be rejected")
	}
	if StateDetected.CanAdvance(StateApproved) {
		t.Error("detected → approved must be rejected")
	}
	if StateReviewing.CanAdvance(StateDetected) {
		t.Error("backward transition must be rejected")
	}
	if StateApproved.CanAdvance("") {
		t.Error("terminal state must not advance")
	}
	if !StateDetected.CanAdvance(StateReviewing) {
		t.Error("detected → reviewing must be accepted")
	}
}

func TestStore_FullProgression(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	key := Key{DocumentID: "doc-1", Index: 2, Kind: KindSheet}

	if err := s.Init(ctx, key); err != nil {
		t.Fatal(err)
	}
	for _, target := range []State{StateReviewing, StateVerified, StateApproved} {
		res, err := s.Advance(ctx, key, target)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Accepted {
			t.Fatalf("advance to %s rejected, state=%s", target, res.State)
		}
		if res.State != target {
			t.Fatalf("advance to %s reported state %s", target, res.State)
		}
	}

	st, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if st != StateApproved {
		t.Errorf("final state = %s, want approved", st)
	}
}

func TestStore_RejectionLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	key := Key{DocumentID: "doc-1", Index: 0, Kind: KindAssembly}
	if err := s.Init(ctx, key); err != nil {
		t.Fatal(err)
	}

	// Skipping a stage is rejected and the request is a pure no-op:
	// repeating it yields the identical result.
	for i := 0; i < 2; i++ {
		res, err := s.Advance(ctx, key, StateApproved)
		if err != nil {
			t.Fatal(err)
		}
		if res.Accepted {
			t.Fatal("skip to approved must be rejected")
		}
		if res.State != StateDetected {
			t.Errorf("rejected request reported state %s, want detected", res.State)
		}
	}

	st, _ := s.Get(ctx, key)
	if st != StateDetected {
		t.Errorf("stored state = %s, want detected", st)
	}
}

func TestStore_InitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	key := Key{DocumentID: "doc-1", Index: 1, Kind: KindSheet}

	if err := s.Init(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Advance(ctx, key, StateReviewing); err != nil {
		t.Fatal(err)
	}
	// Re-running a session over the same document must not reset progress.
	if err := s.Init(ctx, key); err != nil {
		t.Fatal(err)
	}
	st, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if st != StateReviewing {
		t.Errorf("state after re-init = %s, want reviewing", st)
	}
}

func TestStore_UnknownKey(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if _, err := s.Get(ctx, Key{DocumentID: "ghost", Kind: KindSheet}); err != ErrNotFound {
		t.Errorf("Get unknown key err = %v, want ErrNotFound", err)
	}
	if _, err := s.Advance(ctx, Key{DocumentID: "ghost", Kind: KindSheet}, StateReviewing); err != ErrNotFound {
		t.Errorf("Advance unknown key err = %v, want ErrNotFound", err)
	}
}

func TestStore_KindsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	sheet := Key{DocumentID: "doc-1", Index: 0, Kind: KindSheet}
	asm := Key{DocumentID: "doc-1", Index: 0, Kind: KindAssembly}

	if err := s.Init(ctx, sheet); err != nil {
		t.Fatal(err)
	}
	if err := s.Init(ctx, asm); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Advance(ctx, sheet, StateReviewing); err != nil {
		t.Fatal(err)
	}

	st, err := s.Get(ctx, asm)
	if err != nil {
		t.Fatal(err)
	}
	if st != StateDetected {
		t.Errorf("assembly state = %s, want detected (sheet advance must not leak)", st)
	}
}
