package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Envelope is a chat message as delivered by the push channel.
type Envelope struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id,omitempty"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	ListingID   string    `json:"listing_id,omitempty"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// Outbound is a send request. ClientID is the correlation token the
// marketplace may echo back on the confirmed envelope.
type Outbound struct {
	ClientID    string `json:"client_id,omitempty"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	ListingID   string `json:"listing_id,omitempty"`
	Message     string `json:"message"`
}

var ErrInvalidEnvelope = errors.New("transport: invalid envelope")

func (e Envelope) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	case e.SenderID == "":
		return fmt.Errorf("%w: missing sender_id", ErrInvalidEnvelope)
	case e.RecipientID == "":
		return fmt.Errorf("%w: missing recipient_id", ErrInvalidEnvelope)
	case strings.TrimSpace(e.Message) == "":
		return fmt.Errorf("%w: empty message", ErrInvalidEnvelope)
	}
	return nil
}

// DecodeEnvelope parses and validates a wire payload.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (o Outbound) Validate() error {
	if o.SenderID == "" || o.RecipientID == "" {
		return errors.New("transport: outbound message needs sender and recipient")
	}
	if strings.TrimSpace(o.Message) == "" {
		return errors.New("transport: outbound message is empty")
	}
	return nil
}
