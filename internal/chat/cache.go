package chat

import (
	"context"

	"github.com/rs/zerolog/log"
)

// CachedHistory fronts a remote HistoryFetcher with the local Repo. Successful
// fetches are written through. When the remote fails, cached entries are
// returned together with the remote error.
type CachedHistory struct {
	Remote HistoryFetcher
	Repo   *Repo
	Limit  int
}

func (c *CachedHistory) FetchHistory(ctx context.Context, viewerID string, key Key) ([]HistoryEntry, error) {
	entries, err := c.Remote.FetchHistory(ctx, viewerID, key)
	if err == nil {
		if serr := c.Repo.SaveHistory(ctx, viewerID, key, entries); serr != nil {
			log.Warn().Err(serr).Str("conversation", key.String()).Msg("history cache write failed")
		}
		return entries, nil
	}

	cached, cerr := c.Repo.ListHistory(ctx, viewerID, key, c.Limit)
	if cerr != nil {
		log.Warn().Err(cerr).Str("conversation", key.String()).Msg("history cache read failed")
		return nil, err
	}
	log.Info().Err(err).Str("conversation", key.String()).Int("cached", len(cached)).Msg("serving history from cache")
	return cached, err
}
