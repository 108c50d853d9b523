package badgerhold

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/logging"
	"github.com/threadstr/threadstr/lib/stores"
)

// watchDebounce coalesces bursts of note writes into one callback per
// watcher. Streaming a thread writes dozens of notes in quick succession;
// re-running the query on every write would thrash consumers.
const watchDebounce = 96 * time.Millisecond

type noteWatcher struct {
	query   stores.NoteQuery
	fn      func([]lib.NoteEvent)
	trigger chan struct{}
	stop    chan struct{}
}

// WatchNotes registers a live query. The callback fires once with the
// current result set, then again (debounced) whenever notes change. The
// returned cancel func is idempotent.
func (store *BadgerholdStore) WatchNotes(query stores.NoteQuery, fn func([]lib.NoteEvent)) stores.CancelFunc {
	watcher := &noteWatcher{
		query:   query,
		fn:      fn,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	store.watchMu.Lock()
	store.watcherID++
	id := store.watcherID
	store.watchers[id] = watcher
	store.watchMu.Unlock()

	go store.runWatcher(watcher)
	watcher.trigger <- struct{}{}

	return func() {
		store.watchMu.Lock()
		defer store.watchMu.Unlock()
		if _, ok := store.watchers[id]; !ok {
			return
		}
		delete(store.watchers, id)
		close(watcher.stop)
	}
}

func (store *BadgerholdStore) runWatcher(watcher *noteWatcher) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-store.Ctx.Done():
			return
		case <-watcher.stop:
			return
		case <-watcher.trigger:
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			notes, err := store.FindNotes(watcher.query)
			if err != nil {
				// a trigger in flight during shutdown may lose the race
				// with Close; anything else is worth reporting
				if !errors.Is(err, badger.ErrDBClosed) {
					logging.Errorf("note watcher query failed: %v", err)
				}
				continue
			}
			watcher.fn(notes)
		}
	}
}

// notifyNoteChange nudges every registered watcher. Sends are non-blocking;
// a pending trigger already covers the new change.
func (store *BadgerholdStore) notifyNoteChange() {
	store.watchMu.Lock()
	defer store.watchMu.Unlock()
	for _, watcher := range store.watchers {
		select {
		case watcher.trigger <- struct{}{}:
		default:
		}
	}
}

func (store *BadgerholdStore) stopWatchers() {
	store.watchMu.Lock()
	defer store.watchMu.Unlock()
	for id, watcher := range store.watchers {
		close(watcher.stop)
		delete(store.watchers, id)
	}
}
