package badgerhold

import (
	"fmt"

	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/multierr"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/stores"
)

// ──────── notes ────────

// SaveNote upserts a derived note and notifies watchers.
func (store *BadgerholdStore) SaveNote(note lib.NoteEvent) error {
	if err := store.Database.Upsert(prefixNote+note.ID, note); err != nil {
		return fmt.Errorf("failed to save note %s: %w", note.ID, err)
	}
	store.notifyNoteChange()
	return nil
}

// GetNote returns a note by id, or nil when absent.
func (store *BadgerholdStore) GetNote(id string) (*lib.NoteEvent, error) {
	var note lib.NoteEvent
	err := store.Database.Get(prefixNote+id, &note)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &note, nil
}

// FindNotes runs a secondary-index query. An empty index returns all notes.
func (store *BadgerholdStore) FindNotes(query stores.NoteQuery) ([]lib.NoteEvent, error) {
	var results []lib.NoteEvent
	err := store.Database.Find(&results, noteQueryToBadgerhold(query))
	if err != nil && !notFound(err) {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	return results, nil
}

func noteQueryToBadgerhold(query stores.NoteQuery) *badgerhold.Query {
	if query.Index == "" || len(query.Keys) == 0 {
		return nil
	}
	field := string(query.Index)
	return badgerhold.Where(field).In(query.Keys...).Index(field)
}

// DeleteNotes removes notes by id; missing ids are ignored. Deletion keeps
// going past individual failures and reports them together.
func (store *BadgerholdStore) DeleteNotes(ids []string) error {
	changed := false
	var errs error
	for _, id := range ids {
		err := store.Database.Delete(prefixNote+id, lib.NoteEvent{})
		if err != nil && !notFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete note %s: %w", id, err))
			continue
		}
		if err == nil {
			changed = true
		}
	}
	if changed {
		store.notifyNoteChange()
	}
	return errs
}

// DeleteNotesByAuthor purges every note by the given author and returns the
// number removed. Used by the pubkey-block cascade.
func (store *BadgerholdStore) DeleteNotesByAuthor(pubkey string) (int, error) {
	notes, err := store.FindNotes(stores.NoteQuery{Index: stores.NotesByAuthor, Keys: []interface{}{pubkey}})
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(notes))
	for _, note := range notes {
		ids = append(ids, note.ID)
	}
	if err := store.DeleteNotes(ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ──────── reactions ────────

// SaveReaction upserts a derived reaction.
func (store *BadgerholdStore) SaveReaction(reaction lib.ReactionEvent) error {
	if err := store.Database.Upsert(prefixReaction+reaction.ID, reaction); err != nil {
		return fmt.Errorf("failed to save reaction %s: %w", reaction.ID, err)
	}
	return nil
}

// ReactionsByAnchor returns every reaction recorded for an anchor.
func (store *BadgerholdStore) ReactionsByAnchor(anchor string) ([]lib.ReactionEvent, error) {
	var results []lib.ReactionEvent
	err := store.Database.Find(&results, badgerhold.Where("Anchor").Eq(anchor).Index("Anchor"))
	if err != nil && !notFound(err) {
		return nil, fmt.Errorf("failed to query reactions: %w", err)
	}
	return results, nil
}

// ReactionsByNote returns the reactions targeting one note.
func (store *BadgerholdStore) ReactionsByNote(noteID string) ([]lib.ReactionEvent, error) {
	var results []lib.ReactionEvent
	err := store.Database.Find(&results, badgerhold.Where("NoteID").Eq(noteID).Index("NoteID"))
	if err != nil && !notFound(err) {
		return nil, fmt.Errorf("failed to query reactions: %w", err)
	}
	return results, nil
}

// DeleteReactions removes reactions by id; missing ids are ignored.
func (store *BadgerholdStore) DeleteReactions(ids []string) error {
	var errs error
	for _, id := range ids {
		err := store.Database.Delete(prefixReaction+id, lib.ReactionEvent{})
		if err != nil && !notFound(err) {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete reaction %s: %w", id, err))
		}
	}
	return errs
}

// DeleteReactionsByAuthor purges every reaction by the given author.
func (store *BadgerholdStore) DeleteReactionsByAuthor(pubkey string) (int, error) {
	var results []lib.ReactionEvent
	err := store.Database.Find(&results, badgerhold.Where("PubKey").Eq(pubkey).Index("PubKey"))
	if err != nil && !notFound(err) {
		return 0, fmt.Errorf("failed to query reactions: %w", err)
	}
	ids := make([]string, 0, len(results))
	for _, reaction := range results {
		ids = append(ids, reaction.ID)
	}
	if err := store.DeleteReactions(ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}
