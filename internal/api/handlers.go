package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/offerscout/offerscout/internal/normalize"
	"github.com/offerscout/offerscout/internal/progress"
	"github.com/offerscout/offerscout/internal/queue/memory"
	"github.com/offerscout/offerscout/internal/scrape"
)

var postalPattern = regexp.MustCompile(`^[A-Z]\d[A-Z] \d[A-Z]\d$`)

type areaScrapeRequest struct {
	PostalCode   string `json:"postal_code"`
	ForceRefresh bool   `json:"force_refresh"`
	// MaxAttempts optionally caps the strategy chain; zero runs it all.
	MaxAttempts int `json:"max_attempts"`
}

type storeScrapeRequest struct {
	MaxAttempts int `json:"max_attempts"`
}

func (s *Server) submitAreaScrape(w http.ResponseWriter, r *http.Request) {
	var req areaScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	postal := normalize.PostalCode(req.PostalCode)
	if !postalPattern.MatchString(postal) {
		writeError(w, http.StatusBadRequest, "invalid postal code")
		return
	}
	if req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, "max_attempts must not be negative")
		return
	}

	if !req.ForceRefresh {
		stores, err := s.stores.ListStores(r.Context(), postal)
		if err != nil {
			s.logger.Error("list stores failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to check existing stores")
			return
		}
		if fresh := freshStoreCount(stores, s.clock.Now()); fresh > 0 {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":       "cached",
				"postal_code":  postal,
				"stores_found": fresh,
			})
			return
		}
	}

	job := scrape.Job{
		Type:       scrape.JobTypeAreaDiscovery,
		PostalCode: postal,
		Config:     map[string]any{"force_refresh": req.ForceRefresh},
	}
	jobID, err := s.submitJob(r.Context(), job, req.MaxAttempts)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":      jobID,
		"status":      string(scrape.JobStatusPending),
		"postal_code": postal,
	})
}

func (s *Server) submitStoreScrape(w http.ResponseWriter, r *http.Request) {
	storeID, err := parseStoreID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The body is optional; an empty one means defaults.
	var req storeScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, "max_attempts must not be negative")
		return
	}
	store, err := s.stores.GetStore(r.Context(), storeID)
	if err != nil {
		s.logger.Error("get store failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load store")
		return
	}
	if store == nil {
		writeError(w, http.StatusNotFound, "store not found")
		return
	}
	targetURL := store.Record.FlyerURL
	if targetURL == "" {
		targetURL = store.Record.Website
	}
	if targetURL == "" {
		writeError(w, http.StatusBadRequest, "store has no flyer or website URL to scrape")
		return
	}

	job := scrape.Job{
		Type:       scrape.JobTypeStoreOffers,
		PostalCode: store.Record.PostalCode,
		StoreID:    store.ID,
		TargetURL:  targetURL,
		HintName:   store.Record.Name,
	}
	jobID, err := s.submitJob(r.Context(), job, req.MaxAttempts)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   jobID,
		"status":   string(scrape.JobStatusPending),
		"store_id": store.ID,
	})
}

// submitJob persists the job row and hands it to the queue. The row is
// created first so a queue rejection still leaves an auditable record; a
// rejected job is marked failed immediately so it never reads as queued.
func (s *Server) submitJob(ctx context.Context, job scrape.Job, maxAttempts int) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job.ID = jobID
	job.Status = scrape.JobStatusPending
	job.Submitted = s.clock.Now()
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	item := scrape.QueueItem{
		JobID:       jobID,
		Type:        job.Type,
		PostalCode:  job.PostalCode,
		StoreID:     job.StoreID,
		TargetURL:   job.TargetURL,
		HintName:    job.HintName,
		MaxAttempts: maxAttempts,
		Attempt:     1,
		Submitted:   job.Submitted.Unix(),
	}
	if err := s.dispatcher.TryEnqueue(item); err != nil {
		errText := fmt.Sprintf("job not admitted: %v", err)
		if upErr := s.jobs.UpdateStatus(ctx, jobID, scrape.JobStatusFailed, errText, scrape.JobCounts{}, ""); upErr != nil {
			s.logger.Error("marking rejected job failed",
				zap.String("job_id", jobID), zap.Error(upErr))
		}
		return "", err
	}
	return jobID, nil
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	if errors.Is(err, memory.ErrFull) {
		writeError(w, http.StatusServiceUnavailable, "scrape queue is full, retry later")
		return
	}
	s.logger.Error("job submission failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	payload := map[string]any{
		"job_id":       job.ID,
		"job_type":     job.Type,
		"status":       job.Status,
		"submitted_at": job.Submitted,
	}
	switch job.Status {
	case scrape.JobStatusPending:
		payload["message"] = "Job is queued"
	case scrape.JobStatusRunning:
		payload["progress"] = s.runningProgress(job.ID)
	case scrape.JobStatusCompleted:
		payload["result"] = map[string]any{
			"stores_found":   job.Counts.StoresFound,
			"offers_scraped": job.Counts.OffersScraped,
			"method_used":    job.MethodUsed,
		}
		payload["completed_at"] = job.CompletedAt
		s.checkpoints.Forget(progress.JobIDBytes(job.ID))
	case scrape.JobStatusFailed:
		payload["error"] = lastError(job.ErrorLog)
		payload["completed_at"] = job.CompletedAt
		s.checkpoints.Forget(progress.JobIDBytes(job.ID))
	case scrape.JobStatusCancelled:
		payload["message"] = "Job was cancelled"
		payload["completed_at"] = job.CompletedAt
		s.checkpoints.Forget(progress.JobIDBytes(job.ID))
	}
	writeJSON(w, http.StatusOK, payload)
}

// runningProgress serves the latest checkpoint for a running job, or a
// starting placeholder when the tracker has not emitted one yet.
func (s *Server) runningProgress(jobID string) map[string]any {
	if cp, ok := s.checkpoints.Latest(progress.JobIDBytes(jobID)); ok {
		return map[string]any{
			"current": cp.Percent,
			"total":   cp.Total,
			"status":  cp.Status,
		}
	}
	return map[string]any{"current": 0, "total": 100, "status": "Initializing scraping"}
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	ok, err := s.jobs.RequestCancel(r.Context(), jobID)
	if err != nil {
		s.logger.Error("cancel request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "cancel_requested",
	})
}

func (s *Server) testStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"strategies": s.orch.TestAll(r.Context()),
	})
}

func (s *Server) listPostalStores(w http.ResponseWriter, r *http.Request) {
	postal := normalize.PostalCode(chi.URLParam(r, "code"))
	if !postalPattern.MatchString(postal) {
		writeError(w, http.StatusBadRequest, "invalid postal code")
		return
	}
	stores, err := s.stores.ListStores(r.Context(), postal)
	if err != nil {
		s.logger.Error("list stores failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list stores")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"postal_code": postal,
		"stores":      toStoreDTOs(stores),
	})
}

func (s *Server) listStoreOffers(w http.ResponseWriter, r *http.Request) {
	storeID, err := parseStoreID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	store, err := s.stores.GetStore(r.Context(), storeID)
	if err != nil {
		s.logger.Error("get store failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load store")
		return
	}
	if store == nil {
		writeError(w, http.StatusNotFound, "store not found")
		return
	}
	offers, err := s.stores.ListOffers(r.Context(), storeID)
	if err != nil {
		s.logger.Error("list offers failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list offers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"store":  toStoreDTO(*store),
		"offers": toOfferDTOs(offers),
	})
}

func parseStoreID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "store_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid store id")
	}
	return id, nil
}

func freshStoreCount(stores []scrape.Store, now time.Time) int {
	fresh := 0
	for _, st := range stores {
		if st.LastScraped != nil && now.Sub(*st.LastScraped) < freshnessWindow {
			fresh++
		}
	}
	return fresh
}

func lastError(log []string) string {
	if len(log) == 0 {
		return "unknown failure"
	}
	return log[len(log)-1]
}

func toStoreDTOs(in []scrape.Store) []storeDTO {
	out := make([]storeDTO, 0, len(in))
	for _, st := range in {
		out = append(out, toStoreDTO(st))
	}
	return out
}

func toStoreDTO(st scrape.Store) storeDTO {
	return storeDTO{
		ID:          st.ID,
		Name:        st.Record.Name,
		Chain:       st.Record.Chain,
		Address:     st.Record.Address,
		PostalCode:  st.Record.PostalCode,
		Phone:       st.Record.Phone,
		Website:     st.Record.Website,
		FlyerURL:    st.Record.FlyerURL,
		LastScraped: st.LastScraped,
	}
}

func toOfferDTOs(in []scrape.Offer) []offerDTO {
	out := make([]offerDTO, 0, len(in))
	for _, of := range in {
		out = append(out, offerDTO{
			ID:              of.ID,
			StoreID:         of.StoreID,
			ProductName:     of.Record.ProductName,
			Brand:           of.Record.Brand,
			Category:        of.Record.Category,
			Price:           of.Record.Price,
			OriginalPrice:   of.Record.OriginalPrice,
			Unit:            of.Record.Unit,
			DiscountPercent: of.Record.DiscountPercent,
			StartDate:       of.Record.StartDate,
			EndDate:         of.Record.EndDate,
			Featured:        of.Record.Featured,
			Description:     of.Record.Description,
			ImageURL:        of.Record.ImageURL,
		})
	}
	return out
}

type storeDTO struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Chain       string     `json:"chain,omitempty"`
	Address     string     `json:"address,omitempty"`
	PostalCode  string     `json:"postal_code,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Website     string     `json:"website,omitempty"`
	FlyerURL    string     `json:"flyer_url,omitempty"`
	LastScraped *time.Time `json:"last_scraped,omitempty"`
}

type offerDTO struct {
	ID              int64      `json:"id"`
	StoreID         int64      `json:"store_id"`
	ProductName     string     `json:"product_name"`
	Brand           string     `json:"brand,omitempty"`
	Category        string     `json:"category,omitempty"`
	Price           float64    `json:"price"`
	OriginalPrice   *float64   `json:"original_price,omitempty"`
	Unit            string     `json:"unit,omitempty"`
	DiscountPercent *int       `json:"discount_percent,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	Featured        bool       `json:"featured"`
	Description     string     `json:"description,omitempty"`
	ImageURL        string     `json:"image_url,omitempty"`
}
