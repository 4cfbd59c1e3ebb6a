package directory

import (
	"context"
	"encoding/json"
	"testing"

	"privchat/internal/models"
	"privchat/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	body  string
	err   error
	paths []string
}

func (f *fakeAPI) GetJSON(_ context.Context, path string, out any) error {
	f.paths = append(f.paths, path)
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.body), out)
}

func TestCache_LoadNormalisesDrift(t *testing.T) {
	api := &fakeAPI{body: `{"users":[
		{"id":"2","username":"bob","photoUrl":"bob.png","bio":"hey"},
		{"_id":"1","name":"alice","photo":"alice.png"},
		{"username":"ghost"}
	]}`}
	c := New(api, presence.NewTracker(nil), nil)

	users, err := c.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{usersPath}, api.paths)

	require.Len(t, users, 2, "entry without id is dropped")
	assert.Equal(t, models.User{ID: "1", DisplayName: "alice", AvatarURL: "alice.png"}, users[0])
	assert.Equal(t, models.User{ID: "2", DisplayName: "bob", AvatarURL: "bob.png", Bio: "hey"}, users[1])
}

func TestCache_GetMergesPresenceAtReadTime(t *testing.T) {
	tracker := presence.NewTracker(nil)
	c := New(&fakeAPI{body: `{"users":[{"id":"1","username":"alice"}]}`}, tracker, nil)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	u, err := c.Get("1")
	require.NoError(t, err)
	assert.False(t, u.Online)

	tracker.Apply([]string{"1"})
	u, err = c.Get("1")
	require.NoError(t, err)
	assert.True(t, u.Online)

	tracker.Apply(nil)
	u, err = c.Get("1")
	require.NoError(t, err)
	assert.False(t, u.Online, "online flag must not stick to the cached record")
}

func TestCache_GetUnknown(t *testing.T) {
	c := New(&fakeAPI{body: `{"users":[]}`}, nil, nil)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	_, err = c.Get("nobody")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCache_RefreshReplacesRoster(t *testing.T) {
	api := &fakeAPI{body: `{"users":[{"id":"1","username":"alice"},{"id":"2","username":"bob"}]}`}
	c := New(api, nil, nil)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	api.body = `{"users":[{"id":"2","username":"robert"}]}`
	users, err := c.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, users, 1)
	assert.Equal(t, "robert", users[0].DisplayName)
	_, err = c.Get("1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCache_LoadFailureKeepsPreviousRoster(t *testing.T) {
	api := &fakeAPI{body: `{"users":[{"id":"1","username":"alice"}]}`}
	c := New(api, nil, nil)
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	api.err = models.ErrNetworkUnavailable
	_, err = c.Load(context.Background())
	assert.ErrorIs(t, err, models.ErrNetworkUnavailable)

	_, err = c.Get("1")
	assert.NoError(t, err)
}
