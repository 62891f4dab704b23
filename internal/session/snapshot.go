package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"neo-trader/internal/security"
)

// Snapshotter persists the session for process-restart recovery.
// Load returns nil, nil when nothing has been saved.
type Snapshotter interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, sess Session) error
	Remove(ctx context.Context) error
}

// NopSnapshot keeps the session in memory only.
type NopSnapshot struct{}

func (NopSnapshot) Load(context.Context) (*Session, error) { return nil, nil }
func (NopSnapshot) Save(context.Context, Session) error    { return nil }
func (NopSnapshot) Remove(context.Context) error           { return nil }

// codec turns a session into bytes, sealing it when a passphrase is set.
type codec struct {
	passphrase string
}

func (c codec) encode(sess Session) ([]byte, error) {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if c.passphrase == "" {
		return data, nil
	}
	return security.Seal(c.passphrase, data)
}

func (c codec) decode(data []byte) (*Session, error) {
	if security.IsSealed(data) {
		if c.passphrase == "" {
			return nil, fmt.Errorf("session snapshot is encrypted but no passphrase is configured")
		}
		plain, err := security.Open(c.passphrase, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt session snapshot: %w", err)
		}
		data = plain
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session snapshot: %w", err)
	}
	return &sess, nil
}

// FileSnapshot stores the session as a JSON file, replaced atomically via
// write-then-rename so a reader never sees a partial file.
type FileSnapshot struct {
	path  string
	codec codec
}

// NewFileSnapshot creates a file-backed snapshotter.
func NewFileSnapshot(path, passphrase string) *FileSnapshot {
	return &FileSnapshot{path: path, codec: codec{passphrase: passphrase}}
}

// Path returns the snapshot file location.
func (f *FileSnapshot) Path() string {
	return f.path
}

// Load implements Snapshotter.
func (f *FileSnapshot) Load(ctx context.Context) (*Session, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return f.codec.decode(data)
}

// Save implements Snapshotter.
func (f *FileSnapshot) Save(ctx context.Context, sess Session) error {
	data, err := f.codec.encode(sess)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp session file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Remove implements Snapshotter.
func (f *FileSnapshot) Remove(ctx context.Context) error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// RedisSnapshot stores the session under a single Redis key. SET replaces
// the value atomically.
type RedisSnapshot struct {
	client *redis.Client
	key    string
	codec  codec
}

// RedisOptions configures a RedisSnapshot.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	Key        string
	Passphrase string
}

// NewRedisSnapshot connects to Redis and verifies the connection.
func NewRedisSnapshot(ctx context.Context, opts RedisOptions) (*RedisSnapshot, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisSnapshot{
		client: client,
		key:    opts.Key,
		codec:  codec{passphrase: opts.Passphrase},
	}, nil
}

// Load implements Snapshotter.
func (r *RedisSnapshot) Load(ctx context.Context) (*Session, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session from redis: %w", err)
	}
	return r.codec.decode(data)
}

// Save implements Snapshotter.
func (r *RedisSnapshot) Save(ctx context.Context, sess Session) error {
	data, err := r.codec.encode(sess)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write session to redis: %w", err)
	}
	return nil
}

// Remove implements Snapshotter.
func (r *RedisSnapshot) Remove(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisSnapshot) Close() error {
	return r.client.Close()
}
