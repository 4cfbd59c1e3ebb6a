package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"privchat/internal/api"
	"privchat/internal/config"
)

func AddUser(username string, cfg *config.Config) error {
	return addUser(os.Stdout, http.DefaultClient, username, cfg)
}

func addUser(out io.Writer, client *http.Client, username string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	resp, err := client.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "\nUser Created Successfully!\n")
	fmt.Fprintf(out, "User ID:      %s\n", result.UserID)
	fmt.Fprintf(out, "Token:        %s\n", result.Token)
	fmt.Fprintf(out, "Expires:      %s\n\n", time.Unix(result.TokenExpiry, 0).Format(time.RFC3339))

	fmt.Fprintln(out, "Client setup:")
	fmt.Fprintf(out, "  export PRIVCHAT_SERVER_URL=%s\n", strings.TrimSuffix(cfg.BaseURL, "/"))
	fmt.Fprintf(out, "  export PRIVCHAT_USER_ID=%s\n", result.UserID)
	fmt.Fprintf(out, "  export PRIVCHAT_TOKEN=%s\n", result.Token)
	return nil
}
