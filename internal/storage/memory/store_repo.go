// Package memory provides in-memory repository implementations for
// development and testing. Semantics match the Postgres repositories.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/offerscout/offerscout/internal/scrape"
)

// StoreRepo is an in-memory scrape.StoreRepository.
type StoreRepo struct {
	mu     sync.RWMutex
	nextID int64
	stores map[int64]scrape.Store
	offers map[int64][]scrape.Offer
	index  map[storeKey]int64
	offID  int64
}

type storeKey struct{ name, postal string }

// NewStoreRepo constructs a StoreRepo.
func NewStoreRepo() *StoreRepo {
	return &StoreRepo{
		stores: make(map[int64]scrape.Store),
		offers: make(map[int64][]scrape.Offer),
		index:  make(map[storeKey]int64),
	}
}

// FindStore looks a store up by its natural key.
func (r *StoreRepo) FindStore(_ context.Context, name, postalCode string) (*scrape.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.index[storeKey{name: name, postal: postalCode}]
	if !ok {
		return nil, nil
	}
	store := r.stores[id]
	return &store, nil
}

// GetStore fetches one store by ID.
func (r *StoreRepo) GetStore(_ context.Context, storeID int64) (*scrape.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[storeID]
	if !ok {
		return nil, nil
	}
	return &store, nil
}

// ListStores returns the stores for a postal area, newest first.
func (r *StoreRepo) ListStores(_ context.Context, postalCode string) ([]scrape.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stores []scrape.Store
	for _, store := range r.stores {
		if store.Record.PostalCode == postalCode {
			stores = append(stores, store)
		}
	}
	sort.Slice(stores, func(i, j int) bool { return stores[i].ID > stores[j].ID })
	return stores, nil
}

// ListOffers returns a store's current offer snapshot.
func (r *StoreRepo) ListOffers(_ context.Context, storeID int64) ([]scrape.Offer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]scrape.Offer(nil), r.offers[storeID]...), nil
}

// UpsertStore inserts a store unless its natural key exists; existing rows
// keep their identity.
func (r *StoreRepo) UpsertStore(_ context.Context, rec scrape.StoreRecord) (scrape.Store, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := storeKey{name: rec.Name, postal: rec.PostalCode}
	if id, ok := r.index[key]; ok {
		return r.stores[id], false, nil
	}
	r.nextID++
	store := scrape.Store{ID: r.nextID, Record: rec}
	r.stores[store.ID] = store
	r.index[key] = store.ID
	return store, true, nil
}

// ReplaceOffers swaps a store's offer snapshot atomically.
func (r *StoreRepo) ReplaceOffers(_ context.Context, storeID int64, offers []scrape.OfferRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	replacement := make([]scrape.Offer, len(offers))
	for i, rec := range offers {
		r.offID++
		replacement[i] = scrape.Offer{ID: r.offID, StoreID: storeID, Record: rec}
	}
	r.offers[storeID] = replacement
	return nil
}

// TouchStore records the latest scrape time and metadata. A zero time updates
// only the metadata.
func (r *StoreRepo) TouchStore(_ context.Context, storeID int64, at time.Time, meta map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	store, ok := r.stores[storeID]
	if !ok {
		return scrapeErrNotFound(storeID)
	}
	if !at.IsZero() {
		store.LastScraped = &at
	}
	store.ScrapeMeta = meta
	r.stores[storeID] = store
	return nil
}
