package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"privchat/internal/content"
	"privchat/internal/models"
)

type tokenIssuer interface {
	IssueToken(userID string) (string, int64, error)
}

type userStore interface {
	UpsertUser(user models.User) error
}

type onlineSource interface {
	OnlineUsers() []string
}

type AdminHandler struct {
	auth   tokenIssuer
	users  userStore
	online onlineSource
}

func NewAdminHandler(auth tokenIssuer, users userStore, online onlineSource) *AdminHandler {
	return &AdminHandler{auth: auth, users: users, online: online}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

type AddUserResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// AddUserHandler creates the user, or updates the profile of an existing one,
// and issues a fresh bearer token.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{Message: err.Error()})
		return
	}

	displayName := content.PlainText(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}

	user := models.User{
		ID:          req.Username,
		DisplayName: displayName,
		AvatarURL:   req.AvatarURL,
		Bio:         content.PlainText(req.Bio),
	}
	if err := h.users.UpsertUser(user); err != nil {
		writeJSON(w, http.StatusInternalServerError, AddUserResponse{
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	token, expiry, err := h.auth.IssueToken(user.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, AddUserResponse{
			Message: fmt.Sprintf("Failed to issue token: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:     true,
		UserID:      user.ID,
		Token:       token,
		TokenExpiry: expiry,
	})
}

// OnlineHandler lists the users currently online.
func (h *AdminHandler) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"online": h.online.OnlineUsers()})
}
