package local

import (
	"testing"
	"time"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
)

func testSet(t *testing.T, path string) model.Mutation {
	t.Helper()
	data := model.NewObjectValue(map[string]model.Value{"v": model.IntegerValue(1)})
	return model.NewSetMutation(model.MustKey(path), data)
}

func TestAddBatchAssignsIncreasingIDs(t *testing.T) {
	store := persistence.NewMemoryStore()
	q := NewMutationQueue()

	var first, second model.MutationBatch
	err := store.Run("test", func(tx persistence.Tx) error {
		var err error
		first, err = q.AddBatch(tx, time.Now(), nil, []model.Mutation{testSet(t, "rooms/a")})
		if err != nil {
			return err
		}
		second, err = q.AddBatch(tx, time.Now(), nil, []model.Mutation{testSet(t, "rooms/b")})
		return err
	})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("got IDs %d, %d, want 1, 2", first.ID, second.ID)
	}

	err = store.View("test", func(tx persistence.Tx) error {
		highest, err := q.HighestBatchID(tx)
		if err != nil {
			return err
		}
		if highest != 2 {
			t.Errorf("HighestBatchID = %d, want 2", highest)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAddBatchRejectsEmpty(t *testing.T) {
	store := persistence.NewMemoryStore()
	q := NewMutationQueue()
	err := store.Run("test", func(tx persistence.Tx) error {
		_, err := q.AddBatch(tx, time.Now(), nil, nil)
		if err == nil {
			t.Error("expected error for empty batch")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBatchesAffectingKey(t *testing.T) {
	store := persistence.NewMemoryStore()
	q := NewMutationQueue()
	key := model.MustKey("rooms/a")

	err := store.Run("test", func(tx persistence.Tx) error {
		for _, path := range []string{"rooms/a", "rooms/b", "rooms/a"} {
			if _, err := q.AddBatch(tx, time.Now(), nil, []model.Mutation{testSet(t, path)}); err != nil {
				return err
			}
		}
		batches, err := q.BatchesAffectingKey(tx, key)
		if err != nil {
			return err
		}
		if len(batches) != 2 {
			t.Fatalf("got %d batches, want 2", len(batches))
		}
		if batches[0].ID != 1 || batches[1].ID != 3 {
			t.Errorf("got IDs %d, %d, want 1, 3", batches[0].ID, batches[1].ID)
		}
		ok, err := q.ContainsKey(tx, key)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("ContainsKey = false, want true")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRemoveBatchInOrder(t *testing.T) {
	store := persistence.NewMemoryStore()
	q := NewMutationQueue()

	var batches []model.MutationBatch
	err := store.Run("test", func(tx persistence.Tx) error {
		for _, path := range []string{"rooms/a", "rooms/b"} {
			b, err := q.AddBatch(tx, time.Now(), nil, []model.Mutation{testSet(t, path)})
			if err != nil {
				return err
			}
			batches = append(batches, b)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.Run("test", func(tx persistence.Tx) error {
		return q.RemoveBatch(tx, batches[0])
	})
	if err != nil {
		t.Fatalf("RemoveBatch: %v", err)
	}

	err = store.View("test", func(tx persistence.Tx) error {
		ok, err := q.ContainsKey(tx, model.MustKey("rooms/a"))
		if err != nil {
			return err
		}
		if ok {
			t.Error("removed batch still indexed")
		}
		next, err := q.NextBatchAfter(tx, 0)
		if err != nil {
			return err
		}
		if next == nil || next.ID != batches[1].ID {
			t.Errorf("NextBatchAfter(0) = %v, want batch %d", next, batches[1].ID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRemoveBatchOutOfOrderPanics(t *testing.T) {
	store := persistence.NewMemoryStore()
	q := NewMutationQueue()

	var second model.MutationBatch
	err := store.Run("test", func(tx persistence.Tx) error {
		if _, err := q.AddBatch(tx, time.Now(), nil, []model.Mutation{testSet(t, "rooms/a")}); err != nil {
			return err
		}
		var err error
		second, err = q.AddBatch(tx, time.Now(), nil, []model.Mutation{testSet(t, "rooms/b")})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic removing a non-oldest batch")
		}
	}()
	store.Run("test", func(tx persistence.Tx) error {
		return q.RemoveBatch(tx, second)
	})
}
