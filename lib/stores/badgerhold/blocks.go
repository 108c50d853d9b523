package badgerhold

import (
	"fmt"

	"github.com/timshannon/badgerhold/v4"

	"github.com/threadstr/threadstr/lib"
)

// blockRecord is the stored form of a block. Both block tables share one
// record type, discriminated by the indexed List field.
type blockRecord struct {
	lib.Block
	List string `badgerholdIndex:"List"`
}

func blockKey(list lib.BlockList, id string) string {
	return fmt.Sprintf("%s%s:%s", prefixBlock, list, id)
}

// GetBlock returns a block entry, or nil when the id is not blocked.
func (store *BadgerholdStore) GetBlock(list lib.BlockList, id string) (*lib.Block, error) {
	var record blockRecord
	err := store.Database.Get(blockKey(list, id), &record)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record.Block, nil
}

// SaveBlock upserts a block entry into the given table.
func (store *BadgerholdStore) SaveBlock(list lib.BlockList, block lib.Block) error {
	record := blockRecord{Block: block, List: string(list)}
	if err := store.Database.Upsert(blockKey(list, block.ID), record); err != nil {
		return fmt.Errorf("failed to save block %s: %w", block.ID, err)
	}
	return nil
}

// AllBlocks returns every entry of one block table.
func (store *BadgerholdStore) AllBlocks(list lib.BlockList) ([]lib.Block, error) {
	var records []blockRecord
	err := store.Database.Find(&records,
		badgerhold.Where("List").Eq(string(list)).Index("List"))
	if err != nil && !notFound(err) {
		return nil, fmt.Errorf("failed to query %s blocks: %w", list, err)
	}
	blocks := make([]lib.Block, 0, len(records))
	for _, record := range records {
		blocks = append(blocks, record.Block)
	}
	return blocks, nil
}

// DeleteBlocks removes entries from one block table; missing ids are ignored.
func (store *BadgerholdStore) DeleteBlocks(list lib.BlockList, ids []string) error {
	for _, id := range ids {
		err := store.Database.Delete(blockKey(list, id), blockRecord{})
		if err != nil && !notFound(err) {
			return fmt.Errorf("failed to delete block %s: %w", id, err)
		}
	}
	return nil
}
