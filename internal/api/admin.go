package api

import (
	"net/http"
)

// Reconcile handles POST /api/admin/reconcile.
func (s *Services) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.Engine.Reconcile(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.logger().Info("reconcile requested", "user", GetClaims(r.Context()).Username, "repaired", report.Repaired, "removed", report.Removed)
	jsonResponse(w, http.StatusOK, report)
}

// ClearCache handles POST /api/admin/cache/clear.
func (s *Services) ClearCache(w http.ResponseWriter, r *http.Request) {
	s.Catalog.Clear()
	s.logger().Info("catalog cache cleared", "user", GetClaims(r.Context()).Username)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "cache cleared"})
}

// Stream handles GET /api/libraries/{libraryID}/events.
func (s *Services) Stream(w http.ResponseWriter, r *http.Request) {
	s.Events.ServeStream(w, r, r.PathValue("libraryID"))
}
