// Command testbackend serves a small JSON orders API for exercising the http
// datasource locally.
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type order struct {
	ID       int     `json:"id"`
	Customer string  `json:"customer"`
	Status   string  `json:"status"`
	Total    float64 `json:"total"`
}

var orders = []order{
	{ID: 1001, Customer: "John Smith", Status: "shipped", Total: 129.50},
	{ID: 1002, Customer: "John Smith", Status: "pending", Total: 42.00},
	{ID: 1003, Customer: "Ada Lovelace", Status: "delivered", Total: 310.25},
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	router := mux.NewRouter()
	router.HandleFunc("/orders", listOrders).Methods("GET")
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"message": "Hello from test backend!", "path": r.URL.Path, "method": r.Method})
	})
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Info().Str("method", r.Method).Str("path", r.URL.Path).Msg("Received request")
			next.ServeHTTP(w, r)
		})
	})

	addr := ":9000"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	log.Info().Str("addr", addr).Msg("Test backend starting")
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatal().Err(err).Msg("Test backend failed")
	}
}

func listOrders(w http.ResponseWriter, r *http.Request) {
	customer := r.URL.Query().Get("customer")
	status := r.URL.Query().Get("status")
	matched := make([]order, 0, len(orders))
	for _, o := range orders {
		if customer != "" && !strings.EqualFold(o.Customer, customer) {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		matched = append(matched, o)
	}
	writeJSON(w, map[string]any{"data": matched})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
