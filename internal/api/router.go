package api

import (
	"net/http"

	"github.com/nonomal/ourboard/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/board", h.CreateBoard).Methods("POST")
	api.HandleFunc("/board/{id}", h.GetBoard).Methods("GET")
	api.HandleFunc("/board/{id}", h.UpdateBoard).Methods("PUT")

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket route; the board id in the path pins the allowed board.
	r.HandleFunc("/ws/board/{id}", h.ws.HandleBoardConnection)

	return r
}
