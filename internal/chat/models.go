package chat

import (
	"time"

	"github.com/beantrade/syncgw/internal/transport"
)

// Sender is relative to the viewing user.
type Sender string

const (
	SenderLocal       Sender = "local"
	SenderCounterpart Sender = "counterpart"
)

// Origin records which source produced an entry. Merge bookkeeping only.
type Origin string

const (
	OriginHistory   Origin = "history"
	OriginPending   Origin = "pending"
	OriginConfirmed Origin = "confirmed"
)

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

type ChatMessage struct {
	// ID is the marketplace id once confirmed, the temporary client id before.
	ID       string `json:"id"`
	ClientID string `json:"client_id,omitempty"`

	Key      Key            `json:"conversation"`
	Sender   Sender         `json:"sender"`
	SenderID string         `json:"sender_id"`
	Body     string         `json:"body"`
	Status   DeliveryStatus `json:"status"`
	Origin   Origin         `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

func (m ChatMessage) Confirmed() bool { return m.Status == StatusConfirmed }

// HistoryEntry is one row of the persisted conversation history.
type HistoryEntry struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

func senderFor(localUserID, senderID string) Sender {
	if senderID == localUserID {
		return SenderLocal
	}
	return SenderCounterpart
}

func fromHistory(localUserID string, key Key, e HistoryEntry) ChatMessage {
	return ChatMessage{
		ID:        e.ID,
		Key:       key,
		Sender:    senderFor(localUserID, e.SenderID),
		SenderID:  e.SenderID,
		Body:      e.Message,
		Status:    StatusConfirmed,
		Origin:    OriginHistory,
		CreatedAt: e.CreatedAt,
	}
}

func fromEnvelope(localUserID string, env transport.Envelope) ChatMessage {
	return ChatMessage{
		ID:        env.ID,
		ClientID:  env.ClientID,
		Key:       KeyForEnvelope(localUserID, env),
		Sender:    senderFor(localUserID, env.SenderID),
		SenderID:  env.SenderID,
		Body:      env.Message,
		Status:    StatusConfirmed,
		Origin:    OriginConfirmed,
		CreatedAt: env.CreatedAt,
	}
}
