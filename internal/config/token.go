package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// APIToken returns the bearer token guarding the admin API. The
// FIELDSYNC_API_TOKEN environment variable wins; otherwise the token stored at
// TokenPath is used, generating and persisting one on first use.
func (c Config) APIToken() (string, error) {
	if c.Server.APIToken != "" {
		return c.Server.APIToken, nil
	}

	p := c.TokenPath()
	data, err := os.ReadFile(p)
	if err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("reading API token: %w", err)
	}

	tok := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return "", fmt.Errorf("creating token dir: %w", err)
	}
	if err := os.WriteFile(p, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing API token: %w", err)
	}
	return tok, nil
}
