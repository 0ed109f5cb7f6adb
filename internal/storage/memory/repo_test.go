package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offerscout/offerscout/internal/scrape"
)

type tickClock struct{ now time.Time }

func (c *tickClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestStoreRepoUpsertAndReplace(t *testing.T) {
	repo := NewStoreRepo()
	ctx := context.Background()

	rec := scrape.StoreRecord{Name: "No Frills", Chain: "no frills", PostalCode: "M5V 3A8"}
	store, created, err := repo.UpsertStore(ctx, rec)
	require.NoError(t, err)
	require.True(t, created)

	// Second upsert with new details keeps the original identity.
	again, created, err := repo.UpsertStore(ctx, scrape.StoreRecord{Name: "No Frills", PostalCode: "M5V 3A8", Address: "changed"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, store.ID, again.ID)
	require.Empty(t, again.Record.Address)

	require.NoError(t, repo.ReplaceOffers(ctx, store.ID, []scrape.OfferRecord{
		{ProductName: "Bananas", Price: 0.69},
		{ProductName: "Bread", Price: 2.49},
	}))
	require.NoError(t, repo.ReplaceOffers(ctx, store.ID, []scrape.OfferRecord{
		{ProductName: "Milk", Price: 4.29},
	}))

	offers, err := repo.ListOffers(ctx, store.ID)
	require.NoError(t, err)
	require.Len(t, offers, 1, "replacement discards the previous snapshot")
	require.Equal(t, "Milk", offers[0].Record.ProductName)

	found, err := repo.FindStore(ctx, "No Frills", "M5V 3A8")
	require.NoError(t, err)
	require.NotNil(t, found)

	missing, err := repo.FindStore(ctx, "Ghost Mart", "M5V 3A8")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestStoreRepoTouch(t *testing.T) {
	repo := NewStoreRepo()
	ctx := context.Background()

	store, _, err := repo.UpsertStore(ctx, scrape.StoreRecord{Name: "Metro", PostalCode: "M5V 3A8"})
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	require.NoError(t, repo.TouchStore(ctx, store.ID, at, map[string]any{"method_used": "browser"}))

	got, err := repo.GetStore(ctx, store.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastScraped)
	require.Equal(t, at, *got.LastScraped)

	require.Error(t, repo.TouchStore(ctx, 999, at, nil))
}

func TestStoreRepoTouchZeroTimeKeepsLastScraped(t *testing.T) {
	repo := NewStoreRepo()
	ctx := context.Background()

	store, _, err := repo.UpsertStore(ctx, scrape.StoreRecord{Name: "Metro", PostalCode: "M5V 3A8"})
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	require.NoError(t, repo.TouchStore(ctx, store.ID, at, map[string]any{"method_used": "browser"}))
	require.NoError(t, repo.TouchStore(ctx, store.ID, time.Time{}, map[string]any{"last_error": "chrome crashed"}))

	got, err := repo.GetStore(ctx, store.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastScraped)
	require.Equal(t, at, *got.LastScraped, "a metadata-only touch keeps the scrape time")
	require.Equal(t, "chrome crashed", got.ScrapeMeta["last_error"])
}

func TestJobRepoLifecycle(t *testing.T) {
	clock := &tickClock{now: time.Unix(1700000000, 0)}
	repo := NewJobRepo(clock)
	ctx := context.Background()

	job := scrape.Job{ID: "job-1", Type: scrape.JobTypeAreaDiscovery, PostalCode: "M5V 3A8"}
	require.NoError(t, repo.CreateJob(ctx, job))
	require.Error(t, repo.CreateJob(ctx, job), "duplicate ids are rejected")

	require.NoError(t, repo.UpdateStatus(ctx, "job-1", scrape.JobStatusRunning, "", scrape.JobCounts{}, ""))
	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	require.Nil(t, got.CompletedAt)

	counts := scrape.JobCounts{StoresFound: 2, OffersScraped: 10}
	require.NoError(t, repo.UpdateStatus(ctx, "job-1", scrape.JobStatusCompleted, "", counts, scrape.KindBrowser))
	got, err = repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCompleted, got.Status)
	require.Equal(t, counts, got.Counts)
	require.Equal(t, scrape.KindBrowser, got.MethodUsed)
	require.NotNil(t, got.CompletedAt)
	require.Empty(t, got.ErrorLog)
}

func TestJobRepoFailureAppendsError(t *testing.T) {
	repo := NewJobRepo(&tickClock{now: time.Unix(1700000000, 0)})
	ctx := context.Background()

	require.NoError(t, repo.CreateJob(ctx, scrape.Job{ID: "job-1"}))
	require.NoError(t, repo.UpdateStatus(ctx, "job-1", scrape.JobStatusFailed,
		"all 2 strategies failed; last: browser: crash", scrape.JobCounts{ErrorsCount: 1}, ""))

	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []string{"all 2 strategies failed; last: browser: crash"}, got.ErrorLog)
}

func TestJobRepoCancellation(t *testing.T) {
	repo := NewJobRepo(&tickClock{now: time.Unix(1700000000, 0)})
	ctx := context.Background()

	require.NoError(t, repo.CreateJob(ctx, scrape.Job{ID: "job-1"}))

	cancelled, err := repo.IsCancelled(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, cancelled)

	ok, err := repo.RequestCancel(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	cancelled, err = repo.IsCancelled(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, cancelled)

	// Terminal jobs cannot be cancelled.
	require.NoError(t, repo.UpdateStatus(ctx, "job-1", scrape.JobStatusCancelled, "", scrape.JobCounts{}, ""))
	ok, err = repo.RequestCancel(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, ok)
}
