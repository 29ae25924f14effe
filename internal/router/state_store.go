package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
)

// RouterStateStore persists and restores RouterState. Local and remote
// backends may be combined via MultiStateStore.
type RouterStateStore interface {
	Save(state RouterState) error
	Load() (state RouterState, ok bool, err error)
}

// wireArmState and wireRouterState are the flat, self-describing wire
// representations of ArmState/RouterState: matrices are serialized as a
// row-major flat array plus their dimension, per spec.
type wireArmState struct {
	AInvFlat []float64 `json:"a_inv"`
	B        []float64 `json:"b"`
	Trials   int       `json:"trials"`
	Wins     int       `json:"wins"`
}

// wireRouterState deliberately carries no write timestamp: Save must be
// idempotent at the byte level for an unchanged RouterState (round-trip
// testable property), so nothing time-varying belongs in the persisted blob.
type wireRouterState struct {
	Version int                     `json:"version"`
	Dim     int                     `json:"d"`
	Arms    map[string]wireArmState `json:"arms"`
}

func toWire(state RouterState) wireRouterState {
	arms := make(map[string]wireArmState, len(state.Arms))
	for model, a := range state.Arms {
		flat := make([]float64, 0, state.Dim*state.Dim)
		for _, row := range a.AInv {
			flat = append(flat, row...)
		}
		arms[model] = wireArmState{AInvFlat: flat, B: append([]float64(nil), a.B...), Trials: a.Trials, Wins: a.Wins}
	}
	return wireRouterState{Version: state.Version, Dim: state.Dim, Arms: arms}
}

func fromWire(w wireRouterState) RouterState {
	arms := make(map[ModelId]ArmState, len(w.Arms))
	for model, wa := range w.Arms {
		aInv := make([][]float64, w.Dim)
		for i := 0; i < w.Dim; i++ {
			row := make([]float64, w.Dim)
			if (i+1)*w.Dim <= len(wa.AInvFlat) {
				copy(row, wa.AInvFlat[i*w.Dim:(i+1)*w.Dim])
			}
			aInv[i] = row
		}
		arms[model] = ArmState{AInv: aInv, B: append([]float64(nil), wa.B...), Trials: wa.Trials, Wins: wa.Wins}
	}
	return RouterState{Version: w.Version, Dim: w.Dim, Arms: arms}
}

// FileStateStore persists RouterState as JSON to a local file, written
// atomically via temp-file-then-rename.
type FileStateStore struct {
	path string
}

// NewFileStateStore constructs a store backed by the file at path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Save writes state to disk atomically.
func (s *FileStateStore) Save(state RouterState) error {
	data, err := json.Marshal(toWire(state))
	if err != nil {
		return fmt.Errorf("router state: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".router-state-*.tmp")
	if err != nil {
		return fmt.Errorf("router state: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("router state: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("router state: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("router state: rename temp file: %w", err)
	}
	return nil
}

// Load reads state from disk. A missing file, unreadable file, or version
// mismatch all report ok=false rather than an error, so the caller treats
// them as a cold start.
func (s *FileStateStore) Load() (RouterState, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return RouterState{}, false, nil
		}
		return RouterState{}, false, nil // unreadable state is a cold start, not a fatal error
	}
	var w wireRouterState
	if err := json.Unmarshal(data, &w); err != nil {
		return RouterState{}, false, nil // malformed state is a cold start
	}
	if w.Version != StateSchemaVersion {
		return RouterState{}, false, nil
	}
	return fromWire(w), true, nil
}

// RedisStateStore persists RouterState under a single remote key.
type RedisStateStore struct {
	client *redis.Client
	key    string
}

// NewRedisStateStore constructs a store backed by the given client and key.
func NewRedisStateStore(client *redis.Client, key string) *RedisStateStore {
	return &RedisStateStore{client: client, key: key}
}

// Save serializes state as JSON and writes it with a single SET.
func (s *RedisStateStore) Save(state RouterState) error {
	data, err := json.Marshal(toWire(state))
	if err != nil {
		return fmt.Errorf("router state: marshal: %w", err)
	}
	return s.client.Set(context.Background(), s.key, data, 0).Err()
}

// Load reads the remote blob. Any backend error or version mismatch is
// treated as "no state" per spec, not a fatal error.
func (s *RedisStateStore) Load() (RouterState, bool, error) {
	data, err := s.client.Get(context.Background(), s.key).Bytes()
	if err != nil {
		return RouterState{}, false, nil
	}
	var w wireRouterState
	if err := json.Unmarshal(data, &w); err != nil {
		return RouterState{}, false, nil
	}
	if w.Version != StateSchemaVersion {
		return RouterState{}, false, nil
	}
	return fromWire(w), true, nil
}

// MultiStateStore writes to both a local and a remote backend (when both
// are configured) and reads preferring the remote, falling back to local on
// remote failure.
type MultiStateStore struct {
	Local  RouterStateStore
	Remote RouterStateStore // nil if no remote backend is configured
}

// Save writes to both configured backends. A local write failure is
// returned; a remote write failure is swallowed (non-fatal per spec's
// StateStoreError policy — local still recorded the result).
func (m *MultiStateStore) Save(state RouterState) error {
	if m.Remote != nil {
		_ = m.Remote.Save(state)
	}
	if m.Local != nil {
		return m.Local.Save(state)
	}
	return nil
}

// Load prefers the remote backend, falling back to local on remote miss or
// failure.
func (m *MultiStateStore) Load() (RouterState, bool, error) {
	if m.Remote != nil {
		if state, ok, err := m.Remote.Load(); err == nil && ok {
			return state, true, nil
		}
	}
	if m.Local != nil {
		return m.Local.Load()
	}
	return RouterState{}, false, nil
}
