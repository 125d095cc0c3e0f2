package server

import (
	"encoding/json"
	"net/http"

	"github.com/alexjbarnes/authflow/internal/auth"
)

type contact struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

var demoUsers = []contact{
	{ID: 1, Name: "John Doe", Email: "john@example.com"},
	{ID: 2, Name: "Jane Smith", Email: "jane@example.com"},
	{ID: 3, Name: "Bob Johnson", Email: "bob@example.com"},
}

var demoCustomers = []contact{
	{ID: 1, Name: "Acme Corporation", Email: "contact@acme.com"},
	{ID: 2, Name: "Global Industries", Email: "info@globalindustries.com"},
	{ID: 3, Name: "Tech Solutions Ltd", Email: "hello@techsolutions.com"},
	{ID: 4, Name: "Smith & Associates", Email: "team@smithassociates.com"},
	{ID: 5, Name: "Innovation Labs", Email: "support@innovationlabs.com"},
}

func listUsers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, demoUsers)
}

func listCustomers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, demoCustomers)
}

func profile(w http.ResponseWriter, r *http.Request) {
	claims := auth.RequestClaims(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "User not authenticated"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   claims.UserID,
		"username": claims.Username,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
