package chat

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/beantrade/syncgw/internal/transport"
)

// Key partitions messages by counterpart and optional listing.
type Key struct {
	CounterpartID string `json:"counterpart_id"`
	ListingID     string `json:"listing_id,omitempty"`
}

func (k Key) String() string {
	if k.ListingID == "" {
		return k.CounterpartID
	}
	return k.CounterpartID + ":" + k.ListingID
}

func (k Key) Valid() bool {
	return strings.TrimSpace(k.CounterpartID) != ""
}

// KeyForEnvelope derives the conversation an inbound delivery belongs to,
// seen from localUserID.
func KeyForEnvelope(localUserID string, env transport.Envelope) Key {
	counterpart := env.SenderID
	if env.SenderID == localUserID {
		counterpart = env.RecipientID
	}
	return Key{CounterpartID: counterpart, ListingID: env.ListingID}
}

// NewViewID returns a ULID identifying one open conversation view.
func NewViewID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
