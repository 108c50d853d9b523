package badgerhold

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/stores"
)

func newTestStore(t *testing.T) *BadgerholdStore {
	t.Helper()
	store, err := InitStore("")
	if err != nil {
		t.Fatalf("failed to init in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNoteRoundTrip(t *testing.T) {
	store := newTestStore(t)

	note := lib.NoteEvent{
		ID:        "a1",
		Kind:      lib.KindComment,
		Content:   "first",
		CreatedAt: 100,
		PubKey:    "alice",
		Root:      "root1",
	}
	if err := store.SaveNote(note); err != nil {
		t.Fatalf("SaveNote failed: %v", err)
	}

	got, err := store.GetNote("a1")
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if got == nil || got.Content != "first" || got.Root != "root1" {
		t.Errorf("unexpected note: %+v", got)
	}

	missing, err := store.GetNote("nope")
	if err != nil {
		t.Fatalf("GetNote for missing id failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing note, got %+v", missing)
	}
}

func TestFindNotesByIndex(t *testing.T) {
	store := newTestStore(t)

	notes := []lib.NoteEvent{
		{ID: "n1", Kind: lib.KindComment, PubKey: "alice", Root: "rootA"},
		{ID: "n2", Kind: lib.KindComment, PubKey: "bob", Root: "rootA"},
		{ID: "n3", Kind: lib.KindComment, PubKey: "alice", Root: "rootB"},
	}
	for _, note := range notes {
		if err := store.SaveNote(note); err != nil {
			t.Fatalf("SaveNote failed: %v", err)
		}
	}

	byRoot, err := store.FindNotes(stores.NoteQuery{
		Index: stores.NotesByRoot,
		Keys:  []interface{}{"rootA"},
	})
	if err != nil {
		t.Fatalf("FindNotes by root failed: %v", err)
	}
	if len(byRoot) != 2 {
		t.Errorf("expected 2 notes under rootA, got %d", len(byRoot))
	}

	byAuthor, err := store.FindNotes(stores.NoteQuery{
		Index: stores.NotesByAuthor,
		Keys:  []interface{}{"alice"},
	})
	if err != nil {
		t.Fatalf("FindNotes by author failed: %v", err)
	}
	if len(byAuthor) != 2 {
		t.Errorf("expected 2 notes by alice, got %d", len(byAuthor))
	}

	all, err := store.FindNotes(stores.NoteQuery{})
	if err != nil {
		t.Fatalf("FindNotes all failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 notes total, got %d", len(all))
	}
}

func TestDeleteNotesByAuthor(t *testing.T) {
	store := newTestStore(t)

	store.SaveNote(lib.NoteEvent{ID: "n1", PubKey: "spammer"})
	store.SaveNote(lib.NoteEvent{ID: "n2", PubKey: "spammer"})
	store.SaveNote(lib.NoteEvent{ID: "n3", PubKey: "alice"})

	removed, err := store.DeleteNotesByAuthor("spammer")
	if err != nil {
		t.Fatalf("DeleteNotesByAuthor failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	remaining, err := store.FindNotes(stores.NoteQuery{})
	if err != nil {
		t.Fatalf("FindNotes failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "n3" {
		t.Errorf("unexpected remaining notes: %+v", remaining)
	}
}

func TestReactionsByAnchorAndNote(t *testing.T) {
	store := newTestStore(t)

	reactions := []lib.ReactionEvent{
		{ID: "r1", NoteID: "n1", PubKey: "alice", Content: "+", Anchor: "anchor1"},
		{ID: "r2", NoteID: "n1", PubKey: "bob", Content: "-", Anchor: "anchor1"},
		{ID: "r3", NoteID: "n2", PubKey: "alice", Content: "+", Anchor: "anchor2"},
	}
	for _, reaction := range reactions {
		if err := store.SaveReaction(reaction); err != nil {
			t.Fatalf("SaveReaction failed: %v", err)
		}
	}

	byAnchor, err := store.ReactionsByAnchor("anchor1")
	if err != nil {
		t.Fatalf("ReactionsByAnchor failed: %v", err)
	}
	if len(byAnchor) != 2 {
		t.Errorf("expected 2 reactions on anchor1, got %d", len(byAnchor))
	}

	byNote, err := store.ReactionsByNote("n2")
	if err != nil {
		t.Fatalf("ReactionsByNote failed: %v", err)
	}
	if len(byNote) != 1 || byNote[0].ID != "r3" {
		t.Errorf("unexpected reactions for n2: %+v", byNote)
	}

	removed, err := store.DeleteReactionsByAuthor("alice")
	if err != nil {
		t.Fatalf("DeleteReactionsByAuthor failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 reactions removed, got %d", removed)
	}
}

func TestBlockTablesAreSeparate(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveBlock(lib.BlockedEvents, lib.Block{ID: "ev1", AddedAt: 10}); err != nil {
		t.Fatalf("SaveBlock failed: %v", err)
	}
	if err := store.SaveBlock(lib.BlockedPubkeys, lib.Block{ID: "pk1", AddedAt: 20, Used: true}); err != nil {
		t.Fatalf("SaveBlock failed: %v", err)
	}

	// same id in the other table must not resolve
	got, err := store.GetBlock(lib.BlockedPubkeys, "ev1")
	if err != nil {
		t.Fatalf("GetBlock failed: %v", err)
	}
	if got != nil {
		t.Errorf("event block leaked into pubkey table: %+v", got)
	}

	events, err := store.AllBlocks(lib.BlockedEvents)
	if err != nil {
		t.Fatalf("AllBlocks failed: %v", err)
	}
	if len(events) != 1 || events[0].ID != "ev1" {
		t.Errorf("unexpected event blocks: %+v", events)
	}

	pubkeys, err := store.AllBlocks(lib.BlockedPubkeys)
	if err != nil {
		t.Fatalf("AllBlocks failed: %v", err)
	}
	if len(pubkeys) != 1 || !pubkeys[0].Used {
		t.Errorf("unexpected pubkey blocks: %+v", pubkeys)
	}

	if err := store.DeleteBlocks(lib.BlockedEvents, []string{"ev1", "missing"}); err != nil {
		t.Fatalf("DeleteBlocks failed: %v", err)
	}
	events, _ = store.AllBlocks(lib.BlockedEvents)
	if len(events) != 0 {
		t.Errorf("expected empty event table, got %+v", events)
	}
}

func TestWatermarksForAnchor(t *testing.T) {
	store := newTestStore(t)

	marks := []lib.Watermark{
		{RelayName: "wss://a", Anchor: "anchor1", LastTimestamp: 100},
		{RelayName: "wss://b", Anchor: "anchor1", LastTimestamp: 200},
		{RelayName: "wss://a", Anchor: "anchor2", LastTimestamp: 300},
	}
	for _, mark := range marks {
		if err := store.SaveWatermark(mark); err != nil {
			t.Fatalf("SaveWatermark failed: %v", err)
		}
	}

	got, err := store.WatermarksForAnchor("anchor1")
	if err != nil {
		t.Fatalf("WatermarksForAnchor failed: %v", err)
	}
	if len(got) != 2 || got["wss://a"] != 100 || got["wss://b"] != 200 {
		t.Errorf("unexpected watermarks: %+v", got)
	}

	// overwrite keeps one record per (relay, anchor)
	store.SaveWatermark(lib.Watermark{RelayName: "wss://a", Anchor: "anchor1", LastTimestamp: 150})
	got, _ = store.WatermarksForAnchor("anchor1")
	if got["wss://a"] != 150 {
		t.Errorf("expected overwritten watermark 150, got %d", got["wss://a"])
	}
}

func TestRelayStatSlotOverwrite(t *testing.T) {
	store := newTestStore(t)

	first := lib.RelayStat{RelayName: "wss://a", KindBucket: 1, Serial: 0, LatencyMS: 40}
	second := lib.RelayStat{RelayName: "wss://a", KindBucket: 1, Serial: 0, LatencyMS: 70}
	other := lib.RelayStat{RelayName: "wss://a", KindBucket: 1, Serial: 1, LatencyMS: 55}

	for _, stat := range []lib.RelayStat{first, second, other} {
		if err := store.SaveRelayStat(stat); err != nil {
			t.Fatalf("SaveRelayStat failed: %v", err)
		}
	}

	stats, err := store.RelayStats("wss://a")
	if err != nil {
		t.Fatalf("RelayStats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(stats))
	}
	for _, stat := range stats {
		if stat.Serial == 0 && stat.LatencyMS != 70 {
			t.Errorf("slot 0 not overwritten: %+v", stat)
		}
	}
}

func TestAggregateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	aggregate := lib.AggregateEvent{Anchor: "anchor1", Kind: lib.KindZapReceipt, Sum: 2100}
	aggregate.Merge([]string{"z1", "z2"})
	if err := store.SaveAggregate(aggregate); err != nil {
		t.Fatalf("SaveAggregate failed: %v", err)
	}

	got, err := store.GetAggregate("anchor1", lib.KindZapReceipt)
	if err != nil {
		t.Fatalf("GetAggregate failed: %v", err)
	}
	if got == nil || got.Sum != 2100 || !got.Contains("z2") {
		t.Errorf("unexpected aggregate: %+v", got)
	}

	other, err := store.GetAggregate("anchor1", lib.KindReaction)
	if err != nil {
		t.Fatalf("GetAggregate failed: %v", err)
	}
	if other != nil {
		t.Errorf("aggregate leaked across kinds: %+v", other)
	}
}

func TestWatchNotesDebounce(t *testing.T) {
	store := newTestStore(t)

	var calls atomic.Int32
	var lastCount atomic.Int32
	cancel := store.WatchNotes(stores.NoteQuery{Index: stores.NotesByRoot, Keys: []interface{}{"rootA"}},
		func(notes []lib.NoteEvent) {
			calls.Add(1)
			lastCount.Store(int32(len(notes)))
		})
	defer cancel()

	// initial fire with the empty result set
	waitFor(t, func() bool { return calls.Load() == 1 })

	// a burst of writes collapses into one callback
	for i := 0; i < 5; i++ {
		store.SaveNote(lib.NoteEvent{ID: string(rune('a' + i)), Root: "rootA"})
	}
	waitFor(t, func() bool { return calls.Load() == 2 && lastCount.Load() == 5 })

	cancel()
	store.SaveNote(lib.NoteEvent{ID: "late", Root: "rootA"})
	time.Sleep(3 * watchDebounce)
	if calls.Load() != 2 {
		t.Errorf("watcher fired after cancel: %d calls", calls.Load())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
