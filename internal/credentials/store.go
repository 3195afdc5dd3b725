package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	envUsername = "LIGHTBUCKET_USERNAME"
	envAPIKey   = "LIGHTBUCKET_API_KEY"
)

// ErrCorrupt is returned by Load when the file held only one of the two
// values. The file is removed so the next start begins clean.
var ErrCorrupt = errors.New("credentials file is corrupted")

// Store persists credentials in a dotenv file.
type Store struct {
	Path string
}

// Load reads the stored credentials. A missing file yields empty credentials
// and no error.
func (s Store) Load() (Credentials, error) {
	env, err := godotenv.Read(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read %s: %w", s.Path, err)
	}
	c := Credentials{Username: env[envUsername], APIKey: env[envAPIKey]}
	if c.Username == "" && c.APIKey == "" {
		return Credentials{}, nil
	}
	if !c.Complete() {
		if rmErr := os.Remove(s.Path); rmErr != nil {
			return Credentials{}, fmt.Errorf("%w: %s (removing it failed: %v)", ErrCorrupt, s.Path, rmErr)
		}
		return Credentials{}, fmt.Errorf("%w: %s", ErrCorrupt, s.Path)
	}
	return c, nil
}

// Save writes c, readable only by the owner.
func (s Store) Save(c Credentials) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	if err := godotenv.Write(map[string]string{envUsername: c.Username, envAPIKey: c.APIKey}, s.Path); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.Path, err)
	}
	return os.Chmod(s.Path, 0o600)
}
