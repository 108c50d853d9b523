package stores

import (
	"github.com/threadstr/threadstr/lib"
)

// NoteIndex selects the secondary index a note query runs against.
type NoteIndex string

const (
	NotesByAuthor     NoteIndex = "PubKey"
	NotesByAddress    NoteIndex = "Address"
	NotesByRoot       NoteIndex = "Root"
	NotesByURL        NoteIndex = "URL"
	NotesByIdentifier NoteIndex = "Identifier"
	NotesByKind       NoteIndex = "Kind"
)

// NoteQuery describes a watched or one-shot note lookup. Zero Index means
// all notes. Values are matched with OR semantics (any of the keys).
type NoteQuery struct {
	Index  NoteIndex
	Keys   []interface{}
	Anchor string // informational, used by watchers to scope callbacks
}

// CancelFunc detaches a watcher.
type CancelFunc func()

// Store is the persistent cache the library runs against. Implementations
// must support secondary-index lookups and debounced change notification
// for notes; everything else is plain keyed access.
type Store interface {
	// Notes
	SaveNote(note lib.NoteEvent) error
	GetNote(id string) (*lib.NoteEvent, error)
	FindNotes(query NoteQuery) ([]lib.NoteEvent, error)
	DeleteNotes(ids []string) error
	DeleteNotesByAuthor(pubkey string) (int, error)
	WatchNotes(query NoteQuery, fn func([]lib.NoteEvent)) CancelFunc

	// Reactions
	SaveReaction(reaction lib.ReactionEvent) error
	ReactionsByAnchor(anchor string) ([]lib.ReactionEvent, error)
	ReactionsByNote(noteID string) ([]lib.ReactionEvent, error)
	DeleteReactions(ids []string) error
	DeleteReactionsByAuthor(pubkey string) (int, error)

	// Aggregates
	GetAggregate(anchor string, kind int) (*lib.AggregateEvent, error)
	SaveAggregate(aggregate lib.AggregateEvent) error

	// Profiles
	GetProfile(pubkey string) (*lib.Profile, error)
	SaveProfile(profile lib.Profile) error
	AllProfiles() ([]lib.Profile, error)

	// Relay capability cache
	GetRelayInfo(name string) (*lib.RelayInfo, error)
	SaveRelayInfo(info lib.RelayInfo) error
	AllRelayInfos() ([]lib.RelayInfo, error)

	// Relay latency stats
	RelayStats(relayName string) ([]lib.RelayStat, error)
	SaveRelayStat(stat lib.RelayStat) error

	// Watermarks
	WatermarksForAnchor(anchor string) (map[string]int64, error)
	SaveWatermark(mark lib.Watermark) error

	// Block lists
	GetBlock(list lib.BlockList, id string) (*lib.Block, error)
	SaveBlock(list lib.BlockList, block lib.Block) error
	AllBlocks(list lib.BlockList) ([]lib.Block, error)
	DeleteBlocks(list lib.BlockList, ids []string) error

	// Communities
	GetCommunity(address string) (*lib.Community, error)
	SaveCommunity(community lib.Community) error

	// Moderation source watermarks
	GetModerationSource(name string) (*lib.ModerationSource, error)
	SaveModerationSource(source lib.ModerationSource) error

	Close() error
}
