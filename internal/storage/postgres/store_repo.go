package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/offerscout/offerscout/internal/scrape"
)

// StoreRepo implements scrape.StoreRepository on Postgres.
type StoreRepo struct {
	pool db
}

// NewStoreRepo wraps an existing pool.
func NewStoreRepo(pool db) (*StoreRepo, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StoreRepo{pool: pool}, nil
}

// Close releases the pool.
func (r *StoreRepo) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

const storeColumns = `id, name, chain, address, postal_code, phone, website, flyer_url, latitude, longitude, last_scraped, scrape_meta`

// FindStore looks a store up by its natural key. Returns nil when absent.
func (r *StoreRepo) FindStore(ctx context.Context, name, postalCode string) (*scrape.Store, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE name = $1 AND postal_code = $2`,
		name, postalCode)
	store, err := scanStore(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find store: %w", err)
	}
	return &store, nil
}

// GetStore fetches one store by ID. Returns nil when absent.
func (r *StoreRepo) GetStore(ctx context.Context, storeID int64) (*scrape.Store, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE id = $1`, storeID)
	store, err := scanStore(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get store: %w", err)
	}
	return &store, nil
}

// ListStores returns the stores recorded for a postal area, newest first.
func (r *StoreRepo) ListStores(ctx context.Context, postalCode string) ([]scrape.Store, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+storeColumns+` FROM stores WHERE postal_code = $1 ORDER BY id DESC`,
		postalCode)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	var stores []scrape.Store
	for rows.Next() {
		store, err := scanStore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		stores = append(stores, store)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	return stores, nil
}

// ListOffers returns a store's current offer snapshot.
func (r *StoreRepo) ListOffers(ctx context.Context, storeID int64) ([]scrape.Offer, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, store_id, product_name, brand, category, price, original_price, unit,
       discount_percent, start_date, end_date, featured, description, image_url
FROM offers WHERE store_id = $1 ORDER BY id`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	var offers []scrape.Offer
	for rows.Next() {
		var o scrape.Offer
		err := rows.Scan(&o.ID, &o.StoreID, &o.Record.ProductName, &o.Record.Brand,
			&o.Record.Category, &o.Record.Price, &o.Record.OriginalPrice, &o.Record.Unit,
			&o.Record.DiscountPercent, &o.Record.StartDate, &o.Record.EndDate,
			&o.Record.Featured, &o.Record.Description, &o.Record.ImageURL)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return offers, nil
}

// UpsertStore inserts a store unless its (name, postal_code) key already
// exists. An existing row is returned untouched so repeated discoveries
// never rewrite a store's identity.
func (r *StoreRepo) UpsertStore(ctx context.Context, rec scrape.StoreRecord) (scrape.Store, bool, error) {
	row := r.pool.QueryRow(ctx, `
INSERT INTO stores (name, chain, address, postal_code, phone, website, flyer_url, latitude, longitude)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (name, postal_code) DO NOTHING
RETURNING id`,
		rec.Name, rec.Chain, rec.Address, rec.PostalCode, rec.Phone,
		rec.Website, rec.FlyerURL, rec.Latitude, rec.Longitude)

	var id int64
	err := row.Scan(&id)
	if err == nil {
		return scrape.Store{ID: id, Record: rec}, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return scrape.Store{}, false, fmt.Errorf("upsert store: %w", err)
	}

	existing, err := r.FindStore(ctx, rec.Name, rec.PostalCode)
	if err != nil {
		return scrape.Store{}, false, err
	}
	if existing == nil {
		return scrape.Store{}, false, fmt.Errorf("upsert store %q: conflict but row not found", rec.Name)
	}
	return *existing, false, nil
}

// ReplaceOffers swaps a store's offer snapshot inside one transaction so
// readers never observe the empty window between delete and insert.
func (r *StoreRepo) ReplaceOffers(ctx context.Context, storeID int64, offers []scrape.OfferRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace offers: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM offers WHERE store_id = $1`, storeID); err != nil {
		return fmt.Errorf("delete offers: %w", err)
	}
	for _, offer := range offers {
		_, err := tx.Exec(ctx, `
INSERT INTO offers (store_id, product_name, brand, category, price, original_price, unit,
                    discount_percent, start_date, end_date, featured, description, image_url)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			storeID, offer.ProductName, offer.Brand, offer.Category, offer.Price,
			offer.OriginalPrice, offer.Unit, offer.DiscountPercent,
			offer.StartDate, offer.EndDate, offer.Featured, offer.Description, offer.ImageURL)
		if err != nil {
			return fmt.Errorf("insert offer %q: %w", offer.ProductName, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace offers: %w", err)
	}
	return nil
}

// TouchStore records the latest scrape time and metadata for a store. A zero
// time leaves last_scraped alone so failed scrapes never look fresh.
func (r *StoreRepo) TouchStore(ctx context.Context, storeID int64, at time.Time, meta map[string]any) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal scrape meta: %w", err)
	}
	var tag pgconn.CommandTag
	if at.IsZero() {
		tag, err = r.pool.Exec(ctx,
			`UPDATE stores SET scrape_meta = $2 WHERE id = $1`,
			storeID, metaJSON)
	} else {
		tag, err = r.pool.Exec(ctx,
			`UPDATE stores SET last_scraped = $2, scrape_meta = $3 WHERE id = $1`,
			storeID, at, metaJSON)
	}
	if err != nil {
		return fmt.Errorf("touch store: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch store %d: not found", storeID)
	}
	return nil
}

func scanStore(row pgx.Row) (scrape.Store, error) {
	var (
		store    scrape.Store
		metaJSON []byte
	)
	err := row.Scan(&store.ID, &store.Record.Name, &store.Record.Chain,
		&store.Record.Address, &store.Record.PostalCode, &store.Record.Phone,
		&store.Record.Website, &store.Record.FlyerURL, &store.Record.Latitude,
		&store.Record.Longitude, &store.LastScraped, &metaJSON)
	if err != nil {
		return scrape.Store{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &store.ScrapeMeta); err != nil {
			return scrape.Store{}, fmt.Errorf("decode scrape meta: %w", err)
		}
	}
	return store, nil
}
