package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"privchat/internal/api"
	"privchat/internal/chat"
	"privchat/internal/client"
	"privchat/internal/config"
	"privchat/internal/models"
	"privchat/internal/session"

	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	adminAddr := "127.0.0.1:8888"
	apiAddr := "127.0.0.1:8887"
	baseURL := "http://" + apiAddr

	t.Setenv("PRIVCHAT_DB", filepath.Join(t.TempDir(), "integration_test.db"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("BASE_URL", baseURL)
	t.Setenv("AUTH_SECRET", "very-secure-test-secret")

	// Start server in background
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, "")
	}()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && err != context.Canceled {
				t.Errorf("Server error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/online", adminAddr), 50)

	// Step 1: Create users via Admin API
	alice := createUser(t, adminAddr, api.AddUserRequest{Username: "alice", DisplayName: "Alice", AvatarURL: "https://example.com/a.png"})
	bob := createUser(t, adminAddr, api.AddUserRequest{Username: "bob", DisplayName: "Bob"})

	// Step 2: REST requires a bearer token
	{
		resp, err := http.Get(baseURL + "/api/user/all")
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var list models.UserList
		getJSON(t, baseURL+"/api/user/all", alice.Token, &list)
		require.Len(t, list.Users, 2)
	}

	// Step 3: Two sessions exchange messages
	aliceSession := startSession(t, ctx, baseURL, alice)
	defer func() { _ = aliceSession.Stop() }()
	bobSession := startSession(t, ctx, baseURL, bob)
	defer func() { _ = bobSession.Stop() }()

	require.Eventually(t, func() bool {
		return aliceSession.Presence("bob") && bobSession.Presence("alice")
	}, 5*time.Second, 20*time.Millisecond, "presence did not converge")

	require.NoError(t, aliceSession.SelectConversation("bob"))
	waitHydrated(t, aliceSession)

	header, ok := aliceSession.Header()
	require.True(t, ok)
	require.Equal(t, "Bob", header.DisplayName)
	require.Equal(t, "Online", header.Status())

	sent, err := aliceSession.SendMessage("hi")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryPending, sent.State)

	// The echo upgrades the optimistic entry in place.
	require.Eventually(t, func() bool {
		msgs := aliceSession.Transcript()
		return len(msgs) == 1 && msgs[0].ID != "" && msgs[0].State == models.DeliverySent
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, bobSession.SelectConversation("alice"))
	waitHydrated(t, bobSession)
	msgs := bobSession.Transcript()
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, "Alice", msgs[0].SenderDisplayName)
	require.Equal(t, "https://example.com/a.png", msgs[0].SenderAvatarURL)

	_, err = bobSession.SendMessage("hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := aliceSession.Transcript()
		return len(msgs) == 2 && msgs[1].Content == "hello" && msgs[1].SenderID == "bob"
	}, 5*time.Second, 20*time.Millisecond)

	// Content round trips unchanged, so the echo still finds its optimistic entry.
	_, err = aliceSession.SendMessage("  fish & chips")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := aliceSession.Transcript()
		return len(msgs) == 3 && msgs[2].ID != ""
	}, 5*time.Second, 20*time.Millisecond)
	require.Never(t, func() bool { return len(aliceSession.Transcript()) != 3 }, 200*time.Millisecond, 20*time.Millisecond)
	msgs = aliceSession.Transcript()
	require.Equal(t, "fish & chips", msgs[2].Content)
	require.Equal(t, models.OriginLive, msgs[2].Origin)
	require.Equal(t, models.DeliverySent, msgs[2].State)

	// Step 4: History endpoint returns the conversation oldest first
	{
		var history []models.WireMessage
		getJSON(t, baseURL+"/api/chat/history/private/alice", bob.Token, &history)
		require.Len(t, history, 3)
		require.Equal(t, "hi", history[0].Content)
		require.Equal(t, "hello", history[1].Content)
		require.Equal(t, "fish & chips", history[2].Content)
	}

	// Step 5: Going offline is broadcast
	require.NoError(t, bobSession.Stop())
	require.Eventually(t, func() bool {
		h, _ := aliceSession.Header()
		return h.Status() == "Offline"
	}, 5*time.Second, 20*time.Millisecond)

	// Step 6: Metrics are exposed on the admin server
	{
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", adminAddr))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), "privchat_messages_stored_total 3")
		require.Contains(t, string(body), `privchat_http_requests_total{method="GET",route="/api/user/all",status="200"}`)
	}
}

func createUser(t *testing.T, adminAddr string, req api.AddUserRequest) api.AddUserResponse {
	t.Helper()
	reqBody, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewBuffer(reqBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var adminResp api.AddUserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&adminResp))
	require.True(t, adminResp.Success)
	require.Equal(t, req.Username, adminResp.UserID)
	require.NotEmpty(t, adminResp.Token)
	return adminResp
}

func getJSON(t *testing.T, url, token string, out any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func startSession(t *testing.T, ctx context.Context, baseURL string, user api.AddUserResponse) *session.Session {
	t.Helper()
	cfg := &config.Client{
		ServerURL:                baseURL,
		Token:                    user.Token,
		UserID:                   user.UserID,
		ReconnectMaxRetries:      3,
		ReconnectInitialInterval: 50 * time.Millisecond,
		ReconnectMaxInterval:     time.Second,
		RequestTimeout:           5 * time.Second,
	}
	require.NoError(t, cfg.Validate())

	s, err := client.New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	return s
}

func waitHydrated(t *testing.T, s *session.Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.ConversationState() == chat.StateHydrated
	}, 5*time.Second, 20*time.Millisecond)
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	httpClient := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := httpClient.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			if !strings.HasPrefix(resp.Status, "5") {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
