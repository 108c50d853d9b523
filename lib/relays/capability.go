package relays

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"

	"github.com/threadstr/threadstr/lib"
	"github.com/threadstr/threadstr/lib/logging"
	"github.com/threadstr/threadstr/lib/stores"
)

var relayInfoJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Capabilities caches relay information documents and answers eligibility
// questions for the ranker. A fetch that yields nothing parseable is stored
// as "no info" and retried only after the short TTL.
type Capabilities struct {
	store  stores.Store
	client *http.Client
}

func NewCapabilities(store stores.Store) *Capabilities {
	return &Capabilities{
		store:  store,
		client: &http.Client{Timeout: ShortTimeout},
	}
}

// Info returns the cached capability record for a relay, refetching it when
// expired. The returned record is never nil; its Info field is nil when the
// relay published no parseable document.
func (c *Capabilities) Info(ctx context.Context, relayName string) *lib.RelayInfo {
	relayName = nostr.NormalizeURL(relayName)
	cached, err := c.store.GetRelayInfo(relayName)
	if err != nil {
		logging.Warnf("failed to load relay info for %s: %v", relayName, err)
	}
	now := lib.CurrentTime()
	if cached != nil && !cached.Expired(now) {
		return cached
	}

	info := lib.RelayInfo{Name: relayName, LastFetchAttempt: now}
	if cached != nil {
		// keep flags learned from live traffic across refetches
		info.ReadAuth = cached.ReadAuth
		info.WriteOnly = cached.WriteOnly
	}

	doc, err := c.fetchDocument(ctx, relayName)
	if err != nil {
		logging.Debugf("no relay information document from %s: %v", relayName, err)
	} else {
		info.Info = doc
		if doc.Limitation != nil && doc.Limitation.AuthRequired {
			info.ReadAuth = true
		}
	}

	if err := c.store.SaveRelayInfo(info); err != nil {
		logging.Warnf("failed to save relay info for %s: %v", relayName, err)
	}
	return &info
}

// MarkReadAuth records that a relay challenged a read with an auth request.
func (c *Capabilities) MarkReadAuth(relayName string) {
	c.markFlag(relayName, func(info *lib.RelayInfo) { info.ReadAuth = true })
}

// MarkWriteOnly records that a relay rejected reads as write-only.
func (c *Capabilities) MarkWriteOnly(relayName string) {
	c.markFlag(relayName, func(info *lib.RelayInfo) { info.WriteOnly = true })
}

func (c *Capabilities) markFlag(relayName string, set func(*lib.RelayInfo)) {
	relayName = nostr.NormalizeURL(relayName)
	info, err := c.store.GetRelayInfo(relayName)
	if err != nil {
		logging.Warnf("failed to load relay info for %s: %v", relayName, err)
		return
	}
	if info == nil {
		info = &lib.RelayInfo{Name: relayName}
	}
	set(info)
	if err := c.store.SaveRelayInfo(*info); err != nil {
		logging.Warnf("failed to save relay info for %s: %v", relayName, err)
	}
}

func (c *Capabilities) fetchDocument(ctx context.Context, relayName string) (*nip11.RelayInformationDocument, error) {
	httpURL := relayName
	switch {
	case strings.HasPrefix(httpURL, "wss://"):
		httpURL = "https://" + strings.TrimPrefix(httpURL, "wss://")
	case strings.HasPrefix(httpURL, "ws://"):
		httpURL = "http://" + strings.TrimPrefix(httpURL, "ws://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var doc nip11.RelayInformationDocument
	if err := relayInfoJSON.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed information document: %w", err)
	}
	return &doc, nil
}

// ReadEligible reports whether a relay may serve read subscriptions: it must
// not be write-only, must not demand auth we cannot satisfy, and when both
// sides declare language tags they must overlap.
func ReadEligible(info *lib.RelayInfo, languages []string) bool {
	if info == nil {
		return true
	}
	if info.WriteOnly || info.ReadAuth {
		return false
	}
	if info.Info == nil {
		// no document is not a disqualifier, only live signals are
		return true
	}
	doc := info.Info
	if doc.Limitation != nil && doc.Limitation.AuthRequired {
		return false
	}
	if len(languages) > 0 && len(doc.LanguageTags) > 0 && !intersects(languages, doc.LanguageTags) {
		return false
	}
	return true
}

// WriteIntent carries the per-event constraints a write-eligibility check
// needs beyond the capability document itself.
type WriteIntent struct {
	Event     *nostr.Event
	MaxPow    int  // highest proof-of-work floor the caller will mine
	AllowPaid bool // accept relays that require payment or auth
}

// WriteEligible reports whether a relay may receive the event: auth/payment
// must not be required (unless allowed), its proof-of-work floor must be
// minable, and the event must fit its message and content limits.
func WriteEligible(info *lib.RelayInfo, intent WriteIntent) bool {
	if info == nil || info.Info == nil {
		return true
	}
	doc := info.Info
	if doc.Limitation == nil {
		return true
	}
	limits := doc.Limitation
	if (limits.AuthRequired || limits.PaymentRequired) && !intent.AllowPaid {
		return false
	}
	if limits.MinPowDifficulty > intent.MaxPow {
		return false
	}
	if intent.Event != nil {
		if limits.MaxContentLength > 0 && len(intent.Event.Content) > limits.MaxContentLength {
			return false
		}
		if limits.MaxMessageLength > 0 && eventWireSize(intent.Event) > limits.MaxMessageLength {
			return false
		}
	}
	return true
}

func eventWireSize(event *nostr.Event) int {
	encoded, err := relayInfoJSON.Marshal(event)
	if err != nil {
		return 0
	}
	return len(encoded)
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}
