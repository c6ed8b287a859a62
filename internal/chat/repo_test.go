package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := NewRepo(db).AutoMigrate(); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestRepo_SaveAndListHistory(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	key := Key{CounterpartID: sellerID, ListingID: lotID}

	entries := seededHistory().entries
	require.NoError(t, repo.SaveHistory(ctx, buyerID, key, entries))
	// second save of the same ids is a no-op
	require.NoError(t, repo.SaveHistory(ctx, buyerID, key, entries))

	got, err := repo.ListHistory(ctx, buyerID, key, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "h1", got[0].ID)
	assert.Equal(t, "h2", got[1].ID)
	assert.True(t, got[0].CreatedAt.Equal(at(0)))

	other, err := repo.ListHistory(ctx, sellerID, key, 0)
	require.NoError(t, err)
	assert.Empty(t, other)

	noListing, err := repo.ListHistory(ctx, buyerID, Key{CounterpartID: sellerID}, 0)
	require.NoError(t, err)
	assert.Empty(t, noListing)
}

func TestRepo_ListHistoryLimitKeepsNewest(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	key := Key{CounterpartID: sellerID}

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Record(ctx, buyerID, ChatMessage{
			ID: "m" + string(rune('a'+i)), Key: key, SenderID: sellerID, Body: "seed", CreatedAt: at(i),
		}))
	}

	got, err := repo.ListHistory(ctx, buyerID, key, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"mc", "md", "me"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestCachedHistory_WriteThroughAndFallback(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	key := Key{CounterpartID: sellerID, ListingID: lotID}

	remote := seededHistory()
	cached := &CachedHistory{Remote: remote, Repo: repo}

	got, err := cached.FetchHistory(ctx, buyerID, key)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	remote.err = errors.New("marketplace unavailable")
	remote.entries = nil
	got, err = cached.FetchHistory(ctx, buyerID, key)
	require.Error(t, err)
	assert.Equal(t, "marketplace unavailable", err.Error())
	require.Len(t, got, 2)
	assert.Equal(t, "h1", got[0].ID)
}

func TestCachedHistory_ReconcilerReportsFetchErrorWithCachedRows(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	key := Key{CounterpartID: sellerID, ListingID: lotID}
	require.NoError(t, repo.SaveHistory(ctx, buyerID, key, seededHistory().entries))

	remote := &fakeHistory{err: errors.New("timeout")}
	r := newTestReconciler(t, &fakeHistory{}, &fakeTransport{}, func(c *Config) {
		c.History = &CachedHistory{Remote: remote, Repo: repo}
	})

	msgs, err := r.LoadHistory(ctx)
	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, []string{"h1", "h2"}, ids(msgs))
}
