package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"privchat/internal/auth"
	"privchat/internal/models"
)

type authenticator interface {
	GetUserID(token string) (string, error)
}

type userLister interface {
	ListUsers() ([]models.User, error)
}

type historySource interface {
	History(userID, counterpartID string) ([]models.WireMessage, error)
}

type API struct {
	auth    authenticator
	users   userLister
	history historySource
}

func New(auth authenticator, users userLister, history historySource) *API {
	return &API{auth: auth, users: users, history: history}
}

type ctxKey struct{}

// RequireAuth rejects requests without a valid bearer token and passes the
// user id on in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(auth.TokenFromRequest(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	}
}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// UsersHandler serves GET /api/user/all.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.users.ListUsers()
	if err != nil {
		log.Printf("failed to list users: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := models.UserList{Users: make([]models.WireUser, 0, len(users))}
	for _, u := range users {
		resp.Users = append(resp.Users, models.FromUser(u))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("failed to encode users response: %v", err)
	}
}

// HistoryHandler serves GET /api/chat/history/private/{id}: the conversation
// between the caller and the user id, oldest first.
func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	counterpartID := r.PathValue("id")
	if counterpartID == "" {
		http.Error(w, "Counterpart ID is required", http.StatusBadRequest)
		return
	}

	msgs, err := a.history.History(userIDFrom(r), counterpartID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		log.Printf("failed to load history: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		log.Printf("failed to encode history response: %v", err)
	}
}
