package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/offerscout/offerscout/internal/scrape"
)

func storeRow(id int64, name, postal string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "name", "chain", "address", "postal_code", "phone", "website",
		"flyer_url", "latitude", "longitude", "last_scraped", "scrape_meta",
	}).AddRow(id, name, "no frills", "1 Main St", postal, "", "https://flipp.com",
		"", "", "", (*time.Time)(nil), []byte(nil))
}

func newStoreRepo(t *testing.T) (*StoreRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo, err := NewStoreRepo(mock)
	require.NoError(t, err)
	return repo, mock
}

func TestUpsertStoreInsertsNewRow(t *testing.T) {
	t.Parallel()
	repo, mock := newStoreRepo(t)

	rec := scrape.StoreRecord{Name: "No Frills", Chain: "no frills", PostalCode: "M5V 3A8"}
	mock.ExpectQuery("INSERT INTO stores").
		WithArgs(rec.Name, rec.Chain, rec.Address, rec.PostalCode, rec.Phone,
			rec.Website, rec.FlyerURL, rec.Latitude, rec.Longitude).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(101)))

	store, created, err := repo.UpsertStore(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(101), store.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStoreKeepsExistingIdentity(t *testing.T) {
	t.Parallel()
	repo, mock := newStoreRepo(t)

	rec := scrape.StoreRecord{Name: "No Frills", PostalCode: "M5V 3A8"}
	// Conflict: the insert returns no row, then the existing row is loaded.
	mock.ExpectQuery("INSERT INTO stores").
		WithArgs(rec.Name, rec.Chain, rec.Address, rec.PostalCode, rec.Phone,
			rec.Website, rec.FlyerURL, rec.Latitude, rec.Longitude).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM stores WHERE name").
		WithArgs(rec.Name, rec.PostalCode).
		WillReturnRows(storeRow(7, "No Frills", "M5V 3A8"))

	store, created, err := repo.UpsertStore(context.Background(), rec)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(7), store.ID)
	require.Equal(t, "1 Main St", store.Record.Address, "stored identity wins over the new record")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindStoreReturnsNilWhenAbsent(t *testing.T) {
	t.Parallel()
	repo, mock := newStoreRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM stores WHERE name").
		WithArgs("Ghost Mart", "M5V 3A8").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	store, err := repo.FindStore(context.Background(), "Ghost Mart", "M5V 3A8")
	require.NoError(t, err)
	require.Nil(t, store)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceOffersRunsInOneTransaction(t *testing.T) {
	t.Parallel()
	repo, mock := newStoreRepo(t)

	offers := []scrape.OfferRecord{
		{ProductName: "Bananas", Price: 0.69},
		{ProductName: "Bread", Price: 2.49},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM offers WHERE store_id").
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))
	for _, offer := range offers {
		mock.ExpectExec("INSERT INTO offers").
			WithArgs(int64(7), offer.ProductName, offer.Brand, offer.Category, offer.Price,
				offer.OriginalPrice, offer.Unit, offer.DiscountPercent,
				offer.StartDate, offer.EndDate, offer.Featured, offer.Description, offer.ImageURL).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, repo.ReplaceOffers(context.Background(), 7, offers))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceOffersRollsBackOnInsertFailure(t *testing.T) {
	t.Parallel()
	repo, mock := newStoreRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM offers WHERE store_id").
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO offers").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg()).
		WillReturnError(fmt.Errorf("value too long"))
	mock.ExpectRollback()

	err := repo.ReplaceOffers(context.Background(), 7, []scrape.OfferRecord{{ProductName: "Bananas", Price: 0.69}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "insert offer")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchStoreUpdatesRow(t *testing.T) {
	t.Parallel()
	repo, mock := newStoreRepo(t)

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE stores SET last_scraped").
		WithArgs(int64(7), at, []byte(`{"method_used":"browser"}`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.TouchStore(context.Background(), 7, at, map[string]any{"method_used": "browser"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchStoreZeroTimeWritesMetaOnly(t *testing.T) {
	t.Parallel()
	repo, mock := newStoreRepo(t)

	mock.ExpectExec("UPDATE stores SET scrape_meta").
		WithArgs(int64(7), []byte(`{"last_error":"chrome crashed"}`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.TouchStore(context.Background(), 7, time.Time{}, map[string]any{"last_error": "chrome crashed"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchStoreUnknownStore(t *testing.T) {
	t.Parallel()
	repo, mock := newStoreRepo(t)

	mock.ExpectExec("UPDATE stores SET last_scraped").
		WithArgs(int64(99), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.TouchStore(context.Background(), 99, time.Now(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}
