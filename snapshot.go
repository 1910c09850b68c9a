package beatsync

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// snapshotNonceSize is the nonce size for AES-GCM.
	snapshotNonceSize = 12
	// snapshotSaltSize is the salt size for key derivation.
	snapshotSaltSize = 32
	// snapshotKeySize is the AES-256 key size.
	snapshotKeySize = 32
	// snapshotKDFIterations is the PBKDF2 iteration count.
	snapshotKDFIterations = 100000
)

// snapshot file header bytes identify the on-disk framing.
var (
	snapMagicPlain     = []byte("BSNP1p")
	snapMagicEncrypted = []byte("BSNP1e")
)

// SnapshotStore persists one DaySnapshot per (user, date).
type SnapshotStore interface {
	// Load returns the snapshot for (user, date), or ErrSnapshotNotFound.
	Load(ctx context.Context, userID, date string) (*DaySnapshot, error)

	// Save replaces the snapshot for (user, date).
	Save(ctx context.Context, snap *DaySnapshot) error

	// Delete removes the snapshot for (user, date) if present.
	Delete(ctx context.Context, userID, date string) error
}

// MemorySnapshotStore implements SnapshotStore in process memory.
type MemorySnapshotStore struct {
	snaps map[string]*DaySnapshot
	mu    sync.RWMutex
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]*DaySnapshot)}
}

func snapshotKey(userID, date string) string {
	return userID + "|" + date
}

func (m *MemorySnapshotStore) Load(ctx context.Context, userID, date string) (*DaySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[snapshotKey(userID, date)]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	cp := *snap
	return &cp, nil
}

func (m *MemorySnapshotStore) Save(ctx context.Context, snap *DaySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.snaps[snapshotKey(snap.UserID, snap.Date)] = &cp
	return nil
}

func (m *MemorySnapshotStore) Delete(ctx context.Context, userID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, snapshotKey(userID, date))
	return nil
}

// FileSnapshotStore persists snapshots as one file per (user, date) under a
// directory, snappy-compressed and optionally encrypted at rest.
type FileSnapshotStore struct {
	dir      string
	compress bool
	password string
}

// NewFileSnapshotStore creates the directory if needed and returns a store.
func NewFileSnapshotStore(config SnapshotConfig) (*FileSnapshotStore, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("file snapshot store: dir is required")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	s := &FileSnapshotStore{
		dir:      config.Dir,
		compress: config.Compress,
	}
	if config.Encryption != nil && config.Encryption.Enabled {
		if config.Encryption.Password == "" {
			return nil, errors.New("snapshot encryption enabled but no password provided")
		}
		s.password = config.Encryption.Password
	}
	return s, nil
}

func (s *FileSnapshotStore) path(userID, date string) string {
	// Ids come from the server and could in theory contain separators.
	safe := func(v string) string {
		return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(v)
	}
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.snap", safe(userID), safe(date)))
}

func (s *FileSnapshotStore) Load(ctx context.Context, userID, date string) (*DaySnapshot, error) {
	raw, err := os.ReadFile(s.path(userID, date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	data, err := s.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	var snap DaySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *FileSnapshotStore) Save(ctx context.Context, snap *DaySnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	raw, err := s.encode(data)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	// Write-then-rename so a crash mid-write never corrupts the snapshot.
	path := s.path(snap.UserID, snap.Date)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (s *FileSnapshotStore) Delete(ctx context.Context, userID, date string) error {
	err := os.Remove(s.path(userID, date))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *FileSnapshotStore) encode(data []byte) ([]byte, error) {
	if s.compress {
		data = snappy.Encode(nil, data)
	}
	if s.password == "" {
		return append(append([]byte(nil), snapMagicPlain...), data...), nil
	}

	salt := make([]byte, snapshotSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := snapshotAEAD(s.password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, snapshotNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce, data, nil)
	out := append(append([]byte(nil), snapMagicEncrypted...), salt...)
	out = append(out, nonce...)
	return append(out, sealed...), nil
}

func (s *FileSnapshotStore) decode(raw []byte) ([]byte, error) {
	switch {
	case len(raw) >= len(snapMagicPlain) && string(raw[:len(snapMagicPlain)]) == string(snapMagicPlain):
		data := raw[len(snapMagicPlain):]
		if s.compress {
			return snappy.Decode(nil, data)
		}
		return data, nil

	case len(raw) >= len(snapMagicEncrypted) && string(raw[:len(snapMagicEncrypted)]) == string(snapMagicEncrypted):
		if s.password == "" {
			return nil, errors.New("snapshot is encrypted but no password configured")
		}
		rest := raw[len(snapMagicEncrypted):]
		if len(rest) < snapshotSaltSize+snapshotNonceSize {
			return nil, errors.New("snapshot truncated")
		}
		salt := rest[:snapshotSaltSize]
		nonce := rest[snapshotSaltSize : snapshotSaltSize+snapshotNonceSize]
		sealed := rest[snapshotSaltSize+snapshotNonceSize:]

		gcm, err := snapshotAEAD(s.password, salt)
		if err != nil {
			return nil, err
		}
		data, err := gcm.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("decrypt snapshot: %w", err)
		}
		if s.compress {
			return snappy.Decode(nil, data)
		}
		return data, nil

	default:
		return nil, errors.New("unrecognized snapshot format")
	}
}

func snapshotAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, snapshotKDFIterations, snapshotKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// snapshotFromState bundles the working set into a persistable snapshot.
func snapshotFromState(userID, date string, state DayState, clock Clock) *DaySnapshot {
	return &DaySnapshot{
		UserID:          userID,
		Date:            date,
		BeatPlans:       append([]BeatPlan(nil), state.BeatPlans...),
		Visits:          append([]Visit(nil), state.Visits...),
		Retailers:       append([]Retailer(nil), state.Retailers...),
		Orders:          append([]Order(nil), state.Orders...),
		Points:          clonePointsData(state.Points),
		ProgressStats:   CalculateProgress(state.Visits, state.Orders, state.Retailers, date),
		CurrentBeatName: state.CurrentBeatName(),
		SavedAt:         clock.Now(),
	}
}

// stateFromSnapshot unpacks a snapshot back into a working set.
func stateFromSnapshot(snap *DaySnapshot) DayState {
	return DayState{
		BeatPlans: append([]BeatPlan(nil), snap.BeatPlans...),
		Visits:    append([]Visit(nil), snap.Visits...),
		Retailers: append([]Retailer(nil), snap.Retailers...),
		Orders:    append([]Order(nil), snap.Orders...),
		Points:    snap.Points,
	}
}

// validSnapshotFor checks the snapshot's date-consistency invariant.
// A snapshot whose visits or orders carry another date is never trusted.
func validSnapshotFor(snap *DaySnapshot, date string) bool {
	if snap == nil || snap.Date != date {
		return false
	}
	return visitsMatchDate(snap.Visits, date) && ordersMatchDate(snap.Orders, date)
}
