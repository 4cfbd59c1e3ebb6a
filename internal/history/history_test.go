package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"privchat/internal/apiclient"
	"privchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHydrator_Fetch(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"2","content":"later","sender":{"id":"self","username":"me"},"recipient":{"id":"B"},"createdAt":"2024-05-01T10:01:00Z"},
			{"_id":"1","content":"hi","sender":{"_id":"B","name":"bob","photo":"b.png"},"recipient":"self","createdAt":"2024-05-01T10:00:00Z"},
			{"id":"3","content":"no sender","recipient":{"id":"B"},"createdAt":"2024-05-01T10:02:00Z"}
		]`))
	}))
	defer srv.Close()

	h := New(apiclient.New(srv.URL, "tok", srv.Client()), nil)
	msgs, err := h.Fetch(context.Background(), "B")
	require.NoError(t, err)

	assert.Equal(t, "/api/chat/history/private/B", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)

	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "bob", msgs[0].SenderDisplayName)
	assert.Equal(t, "b.png", msgs[0].SenderAvatarURL)
	assert.Equal(t, "self", msgs[0].RecipientID)
	assert.Equal(t, "2", msgs[1].ID)
	for _, m := range msgs {
		assert.Equal(t, models.OriginHydrated, m.Origin)
	}
}

type failingAPI struct{ err error }

func (f failingAPI) GetJSON(context.Context, string, any) error { return f.err }

func TestHydrator_FetchErrorsKeepKind(t *testing.T) {
	for _, kind := range []error{models.ErrNetworkUnavailable, models.ErrUnauthenticated} {
		_, err := New(failingAPI{err: kind}, nil).Fetch(context.Background(), "B")
		assert.ErrorIs(t, err, kind)
	}
}

type staticAPI struct{ body string }

func (s staticAPI) GetJSON(_ context.Context, _ string, out any) error {
	return json.Unmarshal([]byte(s.body), out)
}

func TestHydrator_EmptyHistory(t *testing.T) {
	msgs, err := New(staticAPI{body: `[]`}, nil).Fetch(context.Background(), "B")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
