package local

import (
	"testing"

	"github.com/docdrift/docdrift/internal/model"
	"github.com/docdrift/docdrift/internal/persistence"
)

func TestAllocateTargetIDEven(t *testing.T) {
	store := persistence.NewMemoryStore()
	c := NewTargetCache()

	var ids []int64
	err := store.Run("test", func(tx persistence.Tx) error {
		for i := 0; i < 3; i++ {
			id, err := c.AllocateTargetID(tx)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range ids {
		if id%2 != 0 {
			t.Errorf("allocated ID %d is odd", id)
		}
		if i > 0 && id <= ids[i-1] {
			t.Errorf("IDs not increasing: %v", ids)
		}
	}
}

func TestTargetRoundTrip(t *testing.T) {
	store := persistence.NewMemoryStore()
	c := NewTargetCache()
	q := model.NewCollectionQuery("rooms")

	err := store.Run("test", func(tx persistence.Tx) error {
		id, err := c.AllocateTargetID(tx)
		if err != nil {
			return err
		}
		data := model.NewTargetData(q, id, model.PurposeListen, 7)
		if err := c.AddTarget(tx, data); err != nil {
			return err
		}

		byID, err := c.Target(tx, id)
		if err != nil {
			return err
		}
		if byID == nil || byID.TargetID != id || byID.SequenceNumber != 7 {
			t.Fatalf("Target = %+v", byID)
		}
		byQuery, err := c.TargetForQuery(tx, q)
		if err != nil {
			return err
		}
		if byQuery == nil || byQuery.TargetID != id {
			t.Fatalf("TargetForQuery = %+v", byQuery)
		}
		missing, err := c.TargetForQuery(tx, model.NewCollectionQuery("ships"))
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("unexpected target for unrelated query: %+v", missing)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestKeyAssociations(t *testing.T) {
	store := persistence.NewMemoryStore()
	c := NewTargetCache()
	a := model.MustKey("rooms/a")
	b := model.MustKey("rooms/b")

	err := store.Run("test", func(tx persistence.Tx) error {
		if err := c.AddMatchingKeys(tx, model.NewDocumentKeySet(a, b), 2); err != nil {
			return err
		}
		if err := c.AddMatchingKeys(tx, model.NewDocumentKeySet(a), 4); err != nil {
			return err
		}

		keys, err := c.MatchingKeys(tx, 2)
		if err != nil {
			return err
		}
		if len(keys) != 2 || !keys.Has(a) || !keys.Has(b) {
			t.Fatalf("MatchingKeys(2) = %v", keys)
		}

		if err := c.RemoveMatchingKeys(tx, model.NewDocumentKeySet(a), 2); err != nil {
			return err
		}
		referenced, err := c.AnyTargetReferences(tx, a)
		if err != nil {
			return err
		}
		if !referenced {
			t.Error("key a still referenced by target 4")
		}

		if err := c.RemoveAllKeysForTarget(tx, 4); err != nil {
			return err
		}
		referenced, err = c.AnyTargetReferences(tx, a)
		if err != nil {
			return err
		}
		if referenced {
			t.Error("key a should be unreferenced")
		}
		referenced, err = c.AnyTargetReferences(tx, b)
		if err != nil {
			return err
		}
		if !referenced {
			t.Error("key b should still be referenced by target 2")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
