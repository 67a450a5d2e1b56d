package catalog

import (
	"net/http"

	"github.com/noah-isme/toko-billing/internal/common"
)

// Handler exposes the catalog read endpoint.
type Handler struct {
	Catalog *Catalog
}

// Tree handles GET /api/v1/catalog.
func (h *Handler) Tree(w http.ResponseWriter, _ *http.Request) {
	if h == nil || h.Catalog == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog not configured", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": h.Catalog.Categories})
}
