package hipaa

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldercare/ehr/internal/platform/kvstore"
	"github.com/eldercare/ehr/internal/platform/metrics"
)

// EncryptionKeyConfig is the persisted description of one key version. Key
// material is never part of it.
type EncryptionKeyConfig struct {
	KeyID          string     `json:"key_id"`
	Version        int        `json:"version"`
	Algorithm      Algorithm  `json:"algorithm"`
	Transformation string     `json:"transformation"`
	CreatedAt      time.Time  `json:"created_at"`
	RotatedAt      *time.Time `json:"rotated_at,omitempty"`
	Active         bool       `json:"active"`
	Description    string     `json:"description,omitempty"`
}

// RotationResult describes a completed rotation.
type RotationResult struct {
	PreviousVersion int       `json:"previous_version"`
	NewVersion      int       `json:"new_version"`
	Algorithm       Algorithm `json:"algorithm"`
	ArchivedOld     bool      `json:"archived_old"`
	RotatedAt       time.Time `json:"rotated_at"`
}

// KeyManager owns the versioned key set. Versions only grow; old versions
// stay resolvable so existing ciphertext can always be decrypted.
type KeyManager struct {
	store   kvstore.Store[EncryptionKeyConfig]
	logger  zerolog.Logger
	metrics *metrics.Metrics
	rand    io.Reader
	now     func() time.Time

	mu      sync.RWMutex
	keys    map[int]*Key
	configs map[int]EncryptionKeyConfig
	current int
}

// KeyManagerOption configures a KeyManager.
type KeyManagerOption func(*KeyManager)

// WithRandom replaces the entropy source used for key generation.
func WithRandom(r io.Reader) KeyManagerOption {
	return func(m *KeyManager) { m.rand = r }
}

func WithClock(now func() time.Time) KeyManagerOption {
	return func(m *KeyManager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) KeyManagerOption {
	return func(m *KeyManager) { m.metrics = mt }
}

// NewKeyManager creates an empty, uninitialized key manager.
func NewKeyManager(store kvstore.Store[EncryptionKeyConfig], logger zerolog.Logger, opts ...KeyManagerOption) *KeyManager {
	m := &KeyManager{
		store:   store,
		logger:  logger.With().Str("component", "key-manager").Logger(),
		rand:    rand.Reader,
		now:     func() time.Time { return time.Now().UTC() },
		keys:    make(map[int]*Key),
		configs: make(map[int]EncryptionKeyConfig),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads the persisted key configurations and installs a current
// key. On an empty store it creates version 1 from seed, or from random
// material when seed is empty. A seed must match the algorithm's key size.
//
// Key material is never persisted, so after a restart only a seeded v1 can be
// reconstructed. A seeded restart whose v1 is still the only, active version
// resumes it. Otherwise a fresh key is installed under the next unused
// version and older versions without material resolve to
// ErrUnknownKeyVersion. It may be called once.
func (m *KeyManager) Initialize(ctx context.Context, alg Algorithm, seed []byte) error {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	if !alg.Valid() {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrValidation, alg)
	}

	var seeded *Key
	if len(seed) > 0 {
		k, err := newKey(1, alg, seed)
		if err != nil {
			return err
		}
		seeded = k
	}
	fresh := make([]byte, alg.KeySize())
	if _, err := io.ReadFull(m.rand, fresh); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != 0 {
		return ErrAlreadyInitialized
	}

	keys := make(map[int]*Key)
	configs := make(map[int]EncryptionKeyConfig)
	var current int

	storeCtx := context.WithoutCancel(ctx)
	err := kvstore.Exclusive(storeCtx, m.store, func(ctx context.Context) error {
		stored, err := m.store.Scan(ctx, nil)
		if err != nil {
			return fmt.Errorf("key manager: load configs: %w", err)
		}
		latest := 0
		for _, c := range stored {
			configs[c.Version] = c
			if c.Version > latest {
				latest = c.Version
			}
		}

		v1, hasV1 := configs[1]
		if seeded != nil && hasV1 {
			if v1.Algorithm != alg {
				return fmt.Errorf("%w: seed algorithm %s does not match stored v1 (%s)", ErrValidation, alg, v1.Algorithm)
			}
			keys[1] = seeded
			if latest == 1 && v1.Active && v1.RotatedAt == nil {
				current = 1
				return nil
			}
		}

		now := m.now()
		next := latest + 1
		description := "initial key"
		if latest > 0 {
			description = "process start: earlier key material unavailable"
		}

		var key *Key
		if latest == 0 && seeded != nil {
			key = seeded
		} else if key, err = newKey(next, alg, fresh); err != nil {
			return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}

		cfg := EncryptionKeyConfig{
			KeyID:          uuid.New().String(),
			Version:        next,
			Algorithm:      alg,
			Transformation: alg.Transformation(),
			CreatedAt:      now,
			Active:         true,
			Description:    description,
		}
		if err := m.store.Put(ctx, configKey(next), cfg); err != nil {
			return fmt.Errorf("key manager: store config v%d: %w", next, err)
		}
		if prev, ok := configs[latest]; ok && prev.RotatedAt == nil {
			prev.RotatedAt = &now
			if err := m.store.Put(ctx, configKey(latest), prev); err != nil {
				return fmt.Errorf("key manager: update config v%d: %w", latest, err)
			}
			configs[latest] = prev
		}

		keys[next] = key
		configs[next] = cfg
		current = next
		return nil
	})
	if err != nil {
		return err
	}

	m.keys = keys
	m.configs = configs
	m.current = current
	m.metrics.SetKeyVersion(current)

	m.logger.Info().
		Str("algorithm", string(alg)).
		Bool("seeded", seeded != nil).
		Int("version", current).
		Int("stored_versions", len(configs)).
		Msg("encryption keys initialized")
	return nil
}

// Rotate generates a new key version and makes it current. With archiveOld
// the previous version is marked inactive; it stays resolvable either way.
// The new version is one past the highest stored or held version, so
// managers sharing a store never reuse one. A generation failure leaves the
// key set untouched.
func (m *KeyManager) Rotate(ctx context.Context, alg Algorithm, archiveOld bool, reason string) (*RotationResult, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	if !alg.Valid() {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrValidation, alg)
	}

	// Generation is slow and needs no lock; the version is fixed below.
	material := make([]byte, alg.KeySize())
	if _, err := io.ReadFull(m.rand, material); err != nil {
		m.metrics.CryptoFailed("rotate", "key_generation")
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == 0 {
		return nil, ErrNotInitialized
	}

	prev := m.current
	now := m.now()
	var (
		next   int
		key    *Key
		cfg    EncryptionKeyConfig
		old    EncryptionKeyConfig
		stored []EncryptionKeyConfig
	)

	storeCtx := context.WithoutCancel(ctx)
	err := kvstore.Exclusive(storeCtx, m.store, func(ctx context.Context) error {
		var err error
		if stored, err = m.store.Scan(ctx, nil); err != nil {
			return fmt.Errorf("key manager: load configs: %w", err)
		}
		next = prev
		for _, c := range stored {
			if c.Version > next {
				next = c.Version
			}
		}
		next++

		if key, err = newKey(next, alg, material); err != nil {
			return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
		}
		cfg = EncryptionKeyConfig{
			KeyID:          uuid.New().String(),
			Version:        next,
			Algorithm:      alg,
			Transformation: alg.Transformation(),
			CreatedAt:      now,
			Active:         true,
			Description:    reason,
		}

		old = m.configs[prev]
		if c, err := m.store.Get(ctx, configKey(prev)); err == nil {
			old = c
		}
		old.RotatedAt = &now
		if archiveOld {
			old.Active = false
		}

		if err := m.store.Put(ctx, configKey(next), cfg); err != nil {
			return fmt.Errorf("key manager: store config v%d: %w", next, err)
		}
		if err := m.store.Put(ctx, configKey(prev), old); err != nil {
			return fmt.Errorf("key manager: update config v%d: %w", prev, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range stored {
		m.configs[c.Version] = c
	}
	// Material first, then the current pointer.
	m.keys[next] = key
	m.configs[next] = cfg
	m.configs[prev] = old
	m.current = next
	m.metrics.KeyRotated(next)

	m.logger.Info().
		Int("previous_version", prev).
		Int("new_version", next).
		Bool("archived_old", archiveOld).
		Str("reason", reason).
		Msg("encryption key rotated")

	return &RotationResult{
		PreviousVersion: prev,
		NewVersion:      next,
		Algorithm:       alg,
		ArchivedOld:     archiveOld,
		RotatedAt:       now,
	}, nil
}

// ResolveKey returns the key of the given version.
func (m *KeyManager) ResolveKey(version int) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	return key, nil
}

// CurrentVersion returns the version new ciphertext is produced under, or 0
// before Initialize.
func (m *KeyManager) CurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Configs returns every key configuration ordered by version.
func (m *KeyManager) Configs() []EncryptionKeyConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]EncryptionKeyConfig, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func configKey(version int) string {
	return "v" + strconv.Itoa(version)
}
