package snapshot

import (
	"context"
	"testing"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/testutil"
)

func TestPublish_FiltersDisabledAndDeleted(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.AddGroup(&kestrel.Group{ID: "g1", Kind: kestrel.KindOpenAI, Enabled: true, Models: []string{"gpt-4o"}})
	store.AddGroup(&kestrel.Group{ID: "g2", Kind: kestrel.KindOpenAI, Enabled: false, Models: []string{"gpt-4o"}})
	store.AddGroup(&kestrel.Group{ID: "g3", Kind: kestrel.KindOpenAI, Enabled: true, Deleted: true, Models: []string{"gpt-4o"}})

	p, err := NewPublisher(context.Background(), store, store)
	if err != nil {
		t.Fatal(err)
	}

	snap := p.Current()
	if snap.GroupByID("g1") == nil {
		t.Error("expected g1 to be present")
	}
	if snap.GroupByID("g2") != nil {
		t.Error("disabled group g2 should be absent")
	}
	if snap.GroupByID("g3") != nil {
		t.Error("deleted group g3 should be absent")
	}
	if len(snap.AllGroups()) != 1 {
		t.Errorf("AllGroups count = %d, want 1", len(snap.AllGroups()))
	}
}

func TestGroupsFor_FiltersByPermitAndModel(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.AddGroup(&kestrel.Group{ID: "g1", Kind: kestrel.KindOpenAI, Enabled: true, Models: []string{"gpt-4o"}})
	store.AddGroup(&kestrel.Group{ID: "g2", Kind: kestrel.KindOpenAI, Enabled: true, Models: []string{"gpt-3.5"}})

	p, err := NewPublisher(context.Background(), store, store)
	if err != nil {
		t.Fatal(err)
	}
	snap := p.Current()

	pk := &kestrel.ProxyKey{PermittedGroups: []string{"g1"}}
	got := snap.GroupsFor(pk, kestrel.KindOpenAI, "gpt-4o")
	if len(got) != 1 || got[0].ID != "g1" {
		t.Errorf("GroupsFor = %v, want only g1", got)
	}

	// Permitted but wrong model.
	got = snap.GroupsFor(pk, kestrel.KindOpenAI, "gpt-3.5")
	if len(got) != 0 {
		t.Errorf("GroupsFor with unserved model = %v, want empty", got)
	}
}

func TestKeysOf_ExcludesInvalidKeys(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.AddGroup(&kestrel.Group{
		ID: "g1", Kind: kestrel.KindOpenAI, Enabled: true,
		APIKeys: []string{"key-good", "key-bad"},
	})
	_ = store.UpsertKeyValidity(context.Background(), &kestrel.KeyValidity{
		GroupID: "g1", APIKeyHash: kestrel.HashKey("key-bad"), Valid: false,
	})

	p, err := NewPublisher(context.Background(), store, store)
	if err != nil {
		t.Fatal(err)
	}
	live := p.Current().KeysOf("g1")
	if len(live) != 1 || live[0] != "key-good" {
		t.Errorf("KeysOf = %v, want [key-good]", live)
	}
}

func TestPublish_InFlightSnapshotUnaffectedByRepublish(t *testing.T) {
	t.Parallel()

	store := testutil.NewFakeStore()
	store.AddGroup(&kestrel.Group{ID: "g1", Kind: kestrel.KindOpenAI, Enabled: true})

	p, err := NewPublisher(context.Background(), store, store)
	if err != nil {
		t.Fatal(err)
	}
	old := p.Current()

	store.AddGroup(&kestrel.Group{ID: "g2", Kind: kestrel.KindOpenAI, Enabled: true})
	if err := p.Publish(context.Background()); err != nil {
		t.Fatal(err)
	}

	if old.GroupByID("g2") != nil {
		t.Error("old snapshot reference must not see groups added after it was captured")
	}
	if p.Current().GroupByID("g2") == nil {
		t.Error("new snapshot must see g2")
	}
}
