package signing

import (
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/threadstr/threadstr/lib"
)

// MiningTimeout bounds a proof-of-work mining run. Target difficulties are
// configured by the host application, so a runaway target must not hang a
// publish forever.
const MiningTimeout = time.Minute

// Signer produces signatures for outgoing events. Host applications supply
// their own implementation when keys live in an external wallet or
// extension; KeySigner covers locally held keys.
type Signer interface {
	PublicKey() string
	Sign(event *nostr.Event) error
}

// KeySigner signs with a locally held private key, given as hex or a
// bech32 nsec entity.
type KeySigner struct {
	privateKey string
	publicKey  string
}

func NewKeySigner(key string) (*KeySigner, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "nsec") {
		prefix, data, err := nip19.Decode(key)
		if err != nil || prefix != "nsec" {
			return nil, fmt.Errorf("malformed nsec key: %w", err)
		}
		key = data.(string)
	}

	publicKey, err := nostr.GetPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &KeySigner{privateKey: key, publicKey: publicKey}, nil
}

func (s *KeySigner) PublicKey() string {
	return s.publicKey
}

func (s *KeySigner) Sign(event *nostr.Event) error {
	return event.Sign(s.privateKey)
}

// Finalize stamps, optionally mines and signs an outgoing event. With a
// zero powTarget the event goes straight to signing; otherwise a nonce tag
// is mined until the id carries powTarget leading zero bits. The event's id
// is the hash of its canonical serialization either way.
func Finalize(event *nostr.Event, signer Signer, powTarget int) error {
	if event.CreatedAt == 0 {
		event.CreatedAt = nostr.Timestamp(lib.CurrentTime())
	}
	event.PubKey = signer.PublicKey()

	if powTarget > 0 {
		mined, err := nip13.Generate(event, powTarget, MiningTimeout)
		if err != nil {
			return fmt.Errorf("proof-of-work mining failed: %w", err)
		}
		*event = *mined
	}

	if err := signer.Sign(event); err != nil {
		return fmt.Errorf("signing failed: %w", err)
	}
	return nil
}

// VerifyPow reports whether an event id carries at least minDifficulty
// leading zero bits. A zero minimum accepts everything.
func VerifyPow(id string, minDifficulty int) bool {
	if minDifficulty <= 0 {
		return true
	}
	return nip13.Difficulty(id) >= minDifficulty
}

// Verify checks an event's id and signature.
func Verify(event *nostr.Event) bool {
	ok, err := event.CheckSignature()
	return err == nil && ok
}
