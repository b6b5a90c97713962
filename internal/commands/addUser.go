package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"parley/internal/api"
	"parley/internal/config"
)

// ParseAddUser splits the -add-user argument "username:email".
func ParseAddUser(arg string) (username, email string, err error) {
	username, email, ok := strings.Cut(arg, ":")
	username, email = strings.TrimSpace(username), strings.TrimSpace(email)
	if !ok || username == "" || email == "" {
		return "", "", fmt.Errorf("expected username:email, got %q", arg)
	}
	return username, email, nil
}

// AddUser asks the running server's admin API to create an account and
// prints the generated credentials to out.
func AddUser(ctx context.Context, username, email string, cfg *config.Config, out io.Writer) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username, Email: email})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
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
	fmt.Fprintf(out, "User ID:   %s\n", result.UserID)
	fmt.Fprintf(out, "Username:  %s\n", result.Username)
	fmt.Fprintf(out, "Email:     %s\n", result.Email)
	fmt.Fprintf(out, "Password:  %s\n\n", result.Password)
	fmt.Fprintf(out, "Sign in at %s with parley-cli login.\n", strings.TrimSuffix(cfg.BaseURL, "/"))
	return nil
}
