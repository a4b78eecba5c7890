package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/gmb-autopost/internal/content"
	"github.com/pysugar/gmb-autopost/internal/db/models"
)

func listingID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// ListListingsHandler handles GET /api/listings?status=publish&limit=50&offset=0
func ListListingsHandler(repo *content.Repository, postType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		pt := q.Get("post_type")
		if pt == "" {
			pt = postType
		}
		offset, _ := strconv.Atoi(q.Get("offset"))
		if offset < 0 {
			offset = 0
		}
		listings, total, err := repo.List(pt, q.Get("status"), queryInt(r, "limit", 50), offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list listings")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"listings": listings,
			"total":    total,
		})
	}
}

// GetListingHandler handles GET /api/listings/{id}
func GetListingHandler(repo *content.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := listingID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid listing id")
			return
		}
		listing, err := repo.Get(id)
		if errors.Is(err, content.ErrNotFound) {
			writeError(w, http.StatusNotFound, "listing not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load listing")
			return
		}
		writeJSON(w, http.StatusOK, listing)
	}
}

// UpsertListingHandler handles POST /api/listings
func UpsertListingHandler(repo *content.Repository, postType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var listing models.Listing
		if err := decode(r, &listing); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if listing.ID <= 0 {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		switch listing.Status {
		case "", models.ListingStatusPublish, models.ListingStatusDraft, models.ListingStatusTrash:
		default:
			writeError(w, http.StatusBadRequest, "status must be publish, draft or trash")
			return
		}
		if listing.PostType == "" {
			listing.PostType = postType
		}
		if err := repo.Upsert(&listing); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save listing")
			return
		}
		writeJSON(w, http.StatusOK, listing)
	}
}

// DeleteListingHandler handles DELETE /api/listings/{id}
func DeleteListingHandler(repo *content.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := listingID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid listing id")
			return
		}
		if err := repo.Delete(id); err != nil {
			if errors.Is(err, content.ErrNotFound) {
				writeError(w, http.StatusNotFound, "listing not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to delete listing")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
