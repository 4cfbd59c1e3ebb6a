package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"privchat/internal/models"
	"privchat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelayStub(t *testing.T) *httptest.Server {
	t.Helper()
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/user/all", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(models.UserList{Users: []models.WireUser{
			{ID: "alice", Username: "Alice"},
			{ID: "bob", Username: "Bob"},
		}})
	})
	mux.HandleFunc("GET /api/chat/history/private/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "bob" {
			_ = json.NewEncoder(w).Encode([]models.WireMessage{})
			return
		}
		_ = json.NewEncoder(w).Encode([]models.WireMessage{
			{ID: "m2", Content: "hello", Sender: models.WireUser{ID: "bob"}, Recipient: models.WireUser{ID: "alice"}, CreatedAt: created.Add(time.Minute)},
			{ID: "m1", Content: "hi", Sender: models.WireUser{ID: "alice"}, Recipient: models.WireUser{ID: "bob"}, CreatedAt: created},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestUsers(t *testing.T) {
	srv := newRelayStub(t)

	stdout, _, err := executeCLI(t, t.TempDir(), "users", "--server-url", srv.URL, "--token", "tok", "--user-id", "alice")
	require.NoError(t, err)
	assert.Contains(t, stdout, "* alice\tAlice")
	assert.Contains(t, stdout, "  bob\tBob")
}

func TestUsersJSONOutput(t *testing.T) {
	srv := newRelayStub(t)

	stdout, _, err := executeCLI(t, t.TempDir(), "users", "--json", "--server-url", srv.URL, "--token", "tok", "--user-id", "alice")
	require.NoError(t, err)

	var users []models.User
	require.NoError(t, json.Unmarshal([]byte(stdout), &users))
	require.Len(t, users, 2)
	assert.Equal(t, "Alice", users[0].DisplayName)
}

func TestUsersRejectedToken(t *testing.T) {
	srv := newRelayStub(t)

	_, _, err := executeCLI(t, t.TempDir(), "users", "--server-url", srv.URL, "--token", "wrong", "--user-id", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnauthenticated)
}

func TestHistoryPrintsOldestFirst(t *testing.T) {
	srv := newRelayStub(t)

	stdout, _, err := executeCLI(t, t.TempDir(), "history", "bob", "--server-url", srv.URL, "--token", "tok", "--user-id", "alice")
	require.NoError(t, err)
	assert.Contains(t, stdout, "== Bob (Offline) ==")

	hi := strings.Index(stdout, "you: hi")
	hello := strings.Index(stdout, "Bob: hello")
	require.True(t, hi >= 0 && hello >= 0, stdout)
	assert.Less(t, hi, hello)
}

func TestHistoryRequiresUser(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "history", "--token", "tok", "--user-id", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestConfigFile(t *testing.T) {
	srv := newRelayStub(t)
	home := t.TempDir()
	require.NoError(t, writeClientConfig(home, srv.URL))

	stdout, _, err := executeCLI(t, home, "users")
	require.NoError(t, err)
	assert.Contains(t, stdout, "* alice\tAlice")
}

func TestMissingToken(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "users", "--user-id", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is required")
}

type fakeView struct {
	messages []models.Message
	header   session.Header
}

func (f *fakeView) Transcript() []models.Message { return f.messages }
func (f *fakeView) Header() (session.Header, bool) { return f.header, true }

func TestRenderer(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, "alice")
	view := &fakeView{header: session.Header{CounterpartID: "bob", DisplayName: "Bob"}}

	r.handle(view, session.Event{Kind: session.EventSelected, CounterpartID: "bob"})
	assert.Contains(t, out.String(), "== Bob (Offline) ==")

	view.messages = []models.Message{{TempID: "t1", Content: "hi", SenderID: "alice", State: models.DeliveryPending}}
	r.handle(view, session.Event{Kind: session.EventTranscript})

	// The echo keeps the temp id and must not be printed twice.
	view.messages[0].ID = "m1"
	view.messages[0].State = models.DeliverySent
	r.handle(view, session.Event{Kind: session.EventTranscript})
	assert.Equal(t, 1, strings.Count(out.String(), "you: hi"))

	view.messages = append(view.messages, models.Message{TempID: "t2", Content: "lost", SenderID: "alice", State: models.DeliveryFailed})
	r.handle(view, session.Event{Kind: session.EventTranscript})
	r.handle(view, session.Event{Kind: session.EventTranscript})
	assert.Equal(t, 1, strings.Count(out.String(), `not delivered: "lost"`))
	assert.Equal(t, []string{"t2"}, r.failedIDs())

	view.header.Online = true
	r.handle(view, session.Event{Kind: session.EventPresence})
	r.handle(view, session.Event{Kind: session.EventPresence})
	assert.Equal(t, 1, strings.Count(out.String(), "* Bob is Online"))
}

func TestReadLoop(t *testing.T) {
	var got []string
	err := readLoop(context.Background(), strings.NewReader("one\ntwo\n/quit\nthree\n"), func(line string) (bool, error) {
		got = append(got, line)
		return line == "/quit", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "/quit"}, got)
}

func executeCLI(t *testing.T, home string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", home)

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeClientConfig(home, serverURL string) error {
	dir := filepath.Join(home, configDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	cfg := `server_url = "` + serverURL + `"
token = "tok"
user_id = "alice"
`
	return os.WriteFile(filepath.Join(dir, configName+"."+configType), []byte(cfg), 0o600)
}
