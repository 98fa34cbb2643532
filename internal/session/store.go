package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"

	"qazna.org/console/internal/auth"
)

// CredentialStore persists the two tokens of a session across restarts. Only the
// Manager reads or writes it.
type CredentialStore interface {
	// Load returns the stored credential; ok is false when nothing complete is stored.
	Load(ctx context.Context) (cred auth.Credential, ok bool, err error)
	Save(ctx context.Context, cred auth.Credential) error
	Clear(ctx context.Context) error
}

var (
	_ CredentialStore = (*FileStore)(nil)
	_ CredentialStore = (*RedisStore)(nil)
	_ CredentialStore = (*MemoryStore)(nil)
)

// FileStore keeps the credential in a JSON file readable only by its owner.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path, creating its directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("session: credential file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// DefaultCredentialPath is ~/.qazna/credentials.json.
func DefaultCredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".qazna", "credentials.json"), nil
}

// Path returns the credential file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(context.Context) (auth.Credential, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return auth.Credential{}, false, nil
		}
		return auth.Credential{}, false, fmt.Errorf("read credentials: %w", err)
	}
	var cred auth.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return auth.Credential{}, false, fmt.Errorf("decode credentials: %w", err)
	}
	return cred, cred.Valid(), nil
}

// Save replaces the file atomically through a temporary sibling.
func (s *FileStore) Save(_ context.Context, cred auth.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp credentials: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// Clear removes the credentials file; a missing file is not an error.
func (s *FileStore) Clear(context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

const (
	accessTokenKey  = "accessToken"
	refreshTokenKey = "refreshToken"
)

// RedisStore keeps the tokens under two keys sharing a prefix, so several console
// processes can share one session.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store using keys "<prefix>accessToken" and "<prefix>refreshToken".
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) keys() (string, string) {
	return s.prefix + accessTokenKey, s.prefix + refreshTokenKey
}

func (s *RedisStore) Load(ctx context.Context) (auth.Credential, bool, error) {
	ak, rk := s.keys()
	vals, err := s.rdb.MGet(ctx, ak, rk).Result()
	if err != nil {
		return auth.Credential{}, false, fmt.Errorf("redis load credentials: %w", err)
	}
	access, _ := vals[0].(string)
	refresh, _ := vals[1].(string)
	cred := auth.Credential{AccessToken: access, RefreshToken: refresh}
	return cred, cred.Valid(), nil
}

func (s *RedisStore) Save(ctx context.Context, cred auth.Credential) error {
	ak, rk := s.keys()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ak, cred.AccessToken, 0)
		pipe.Set(ctx, rk, cred.RefreshToken, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save credentials: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	ak, rk := s.keys()
	if err := s.rdb.Del(ctx, ak, rk).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis clear credentials: %w", err)
	}
	return nil
}

// MemoryStore keeps the credential for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	cred auth.Credential
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(context.Context) (auth.Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, s.cred.Valid(), nil
}

func (s *MemoryStore) Save(_ context.Context, cred auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = auth.Credential{AccessToken: cred.AccessToken, RefreshToken: cred.RefreshToken}
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = auth.Credential{}
	return nil
}
