package chat

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CachedMessage is a confirmed message kept for one viewer.
type CachedMessage struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement"`
	ViewerID        string    `gorm:"type:varchar(64);not null;index:idx_chat_cache_conv,priority:1;index:uniq_chat_cache_msg,unique,priority:1"`
	ConversationKey string    `gorm:"type:varchar(160);not null;index:idx_chat_cache_conv,priority:2"`
	MessageID       string    `gorm:"type:varchar(64);not null;index:uniq_chat_cache_msg,unique,priority:2"`
	SenderID        string    `gorm:"type:varchar(64);not null"`
	Body            string    `gorm:"type:text;not null"`
	SentAt          time.Time `gorm:"index;not null"`
	CreatedAt       time.Time
}

func (CachedMessage) TableName() string { return "chat_message_cache" }

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) AutoMigrate() error {
	return r.db.AutoMigrate(&CachedMessage{})
}

// SaveHistory stores entries, skipping ones already cached.
func (r *Repo) SaveHistory(ctx context.Context, viewerID string, key Key, entries []HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]CachedMessage, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, CachedMessage{
			ViewerID:        viewerID,
			ConversationKey: key.String(),
			MessageID:       e.ID,
			SenderID:        e.SenderID,
			Body:            e.Message,
			SentAt:          e.CreatedAt,
		})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

// Record implements Journal.
func (r *Repo) Record(ctx context.Context, viewerID string, msg ChatMessage) error {
	return r.SaveHistory(ctx, viewerID, msg.Key, []HistoryEntry{{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Message:   msg.Body,
		CreatedAt: msg.CreatedAt,
	}})
}

// ListHistory returns at most limit of the newest cached entries, oldest first.
func (r *Repo) ListHistory(ctx context.Context, viewerID string, key Key, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []CachedMessage
	if err := r.db.WithContext(ctx).
		Where("viewer_id = ? AND conversation_key = ?", viewerID, key.String()).
		Order("sent_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	// reverse to ASC (oldest -> newest)
	out := make([]HistoryEntry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		m := rows[i]
		out = append(out, HistoryEntry{
			ID:        m.MessageID,
			SenderID:  m.SenderID,
			Message:   m.Body,
			CreatedAt: m.SentAt,
		})
	}
	return out, nil
}
