package chat

import "context"

// HistoryFetcher loads persisted history for viewerID's conversation key,
// oldest first. Implementations may return partial entries alongside an
// error; the reconciler merges whatever it gets.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, viewerID string, key Key) ([]HistoryEntry, error)
}

// Journal records confirmed messages as they arrive on the push channel.
type Journal interface {
	Record(ctx context.Context, viewerID string, msg ChatMessage) error
}
