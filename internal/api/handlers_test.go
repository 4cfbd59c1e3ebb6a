package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"privchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	tokens map[string]string
	issued []string
}

func (f *fakeAuth) GetUserID(token string) (string, error) {
	if id, ok := f.tokens[token]; ok {
		return id, nil
	}
	return "", models.ErrUnauthenticated
}

func (f *fakeAuth) IssueToken(userID string) (string, int64, error) {
	f.issued = append(f.issued, userID)
	return "tok-" + userID, 42, nil
}

type fakeStore struct {
	users   []models.User
	history map[string][]models.WireMessage
	err     error
}

func (f *fakeStore) ListUsers() ([]models.User, error) { return f.users, f.err }

func (f *fakeStore) UpsertUser(u models.User) error {
	if f.err != nil {
		return f.err
	}
	f.users = append(f.users, u)
	return nil
}

func (f *fakeStore) History(userID, counterpartID string) ([]models.WireMessage, error) {
	msgs, ok := f.history[userID+">"+counterpartID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return msgs, nil
}

func (f *fakeStore) OnlineUsers() []string { return []string{"alice"} }

func newMux(a *API) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/user/all", a.RequireAuth(a.UsersHandler))
	mux.HandleFunc("GET /api/chat/history/private/{id}", a.RequireAuth(a.HistoryHandler))
	return mux
}

func TestAPI_RequiresToken(t *testing.T) {
	a := New(&fakeAuth{}, &fakeStore{}, &fakeStore{})
	rec := httptest.NewRecorder()
	newMux(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/user/all", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_Users(t *testing.T) {
	store := &fakeStore{users: []models.User{{ID: "alice", DisplayName: "Alice", AvatarURL: "a.png"}}}
	a := New(&fakeAuth{tokens: map[string]string{"t": "alice"}}, store, store)

	req := httptest.NewRequest(http.MethodGet, "/api/user/all", nil)
	req.Header.Set("Authorization", "Bearer t")
	rec := httptest.NewRecorder()
	newMux(a).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body models.UserList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Users, 1)
	assert.Equal(t, models.WireUser{ID: "alice", Username: "Alice", PhotoURL: "a.png"}, body.Users[0])

	store.err = errors.New("db gone")
	rec = httptest.NewRecorder()
	newMux(a).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAPI_History(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{history: map[string][]models.WireMessage{
		"alice>bob": {{ID: "m1", Content: "hi", Sender: models.WireUser{ID: "bob"}, Recipient: models.WireUser{ID: "alice"}, CreatedAt: at}},
	}}
	a := New(&fakeAuth{tokens: map[string]string{"t": "alice"}}, store, store)

	rec := httptest.NewRecorder()
	newMux(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/history/private/bob?token=t", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var msgs []models.WireMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.True(t, msgs[0].CreatedAt.Equal(at))

	rec = httptest.NewRecorder()
	newMux(a).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/history/private/ghost?token=t", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_AddUser(t *testing.T) {
	auth := &fakeAuth{}
	store := &fakeStore{}
	h := NewAdminHandler(auth, store, store)

	rec := httptest.NewRecorder()
	h.AddUserHandler(rec, httptest.NewRequest(http.MethodPost, "/admin/users",
		strings.NewReader(`{"username":"alice","displayName":"<b>Alice</b>"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AddUserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "alice", resp.UserID)
	assert.Equal(t, "tok-alice", resp.Token)
	assert.Equal(t, int64(42), resp.TokenExpiry)

	require.Len(t, store.users, 1)
	assert.Equal(t, "Alice", store.users[0].DisplayName, "markup is stripped from profiles")

	rec = httptest.NewRecorder()
	h.AddUserHandler(rec, httptest.NewRequest(http.MethodPost, "/admin/users", strings.NewReader(`{"username":"bad name"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.AddUserHandler(rec, httptest.NewRequest(http.MethodPost, "/admin/users", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_Online(t *testing.T) {
	store := &fakeStore{}
	h := NewAdminHandler(&fakeAuth{}, store, store)

	rec := httptest.NewRecorder()
	h.OnlineHandler(rec, httptest.NewRequest(http.MethodGet, "/admin/online", nil))
	assert.JSONEq(t, `{"online":["alice"]}`, rec.Body.String())
}
