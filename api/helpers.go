package api

import (
	"encoding/json"
	"net/http"

	"github.com/pasogott/cortana-vision/services"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{
		"status": "error",
		"detail": detail,
	})
}

func HealthCheck(w http.ResponseWriter, r *http.Request, catalog *services.Catalog) {
	dbStatus := "ok"
	if err := catalog.DB().Ping(); err != nil {
		dbStatus = "unavailable"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": dbStatus,
	})
}
