package hipaa

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/eldercare/ehr/internal/platform/metrics"
)

// EncryptedValue pairs an envelope with the key version that sealed it.
type EncryptedValue struct {
	Ciphertext string `json:"ciphertext"`
	KeyVersion int    `json:"key_version"`
}

// EventAppender records audit events; AuditLog satisfies it.
type EventAppender interface {
	Append(ctx context.Context, event *AuditEvent) (*AuditEvent, error)
}

// EncryptionService is the application-facing encryption API: current-key
// encryption, batch helpers, re-encryption and audited key rotation.
type EncryptionService struct {
	keys    *KeyManager
	cipher  *Cipher
	audit   EventAppender
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewEncryptionService creates a service over an initialized key manager.
// audit may be nil.
func NewEncryptionService(keys *KeyManager, audit EventAppender, logger zerolog.Logger, m *metrics.Metrics) *EncryptionService {
	return &EncryptionService{
		keys:    keys,
		cipher:  NewCipher(keys),
		audit:   audit,
		logger:  logger.With().Str("component", "encryption").Logger(),
		metrics: m,
	}
}

// Keys returns the underlying key manager.
func (s *EncryptionService) Keys() *KeyManager { return s.keys }

// CurrentVersion returns the active key version.
func (s *EncryptionService) CurrentVersion() int { return s.keys.CurrentVersion() }

// Encrypt seals plaintext under the given key version.
func (s *EncryptionService) Encrypt(plaintext string, version int) (string, error) {
	out, err := s.cipher.Encrypt(plaintext, version)
	if err != nil {
		s.recordFailure("encrypt", err)
		return "", err
	}
	return out, nil
}

// EncryptCurrent seals plaintext under the current key version.
func (s *EncryptionService) EncryptCurrent(plaintext string) (EncryptedValue, error) {
	version := s.keys.CurrentVersion()
	if version == 0 {
		return EncryptedValue{}, ErrNotInitialized
	}
	ct, err := s.Encrypt(plaintext, version)
	if err != nil {
		return EncryptedValue{}, err
	}
	return EncryptedValue{Ciphertext: ct, KeyVersion: version}, nil
}

// Decrypt opens an envelope sealed under version.
func (s *EncryptionService) Decrypt(envelope string, version int) (string, error) {
	out, err := s.cipher.Decrypt(envelope, version)
	if err != nil {
		s.recordFailure("decrypt", err)
		return "", err
	}
	return out, nil
}

// EncryptBatch encrypts each value. Values that fail are logged and left
// out of the result, so the output may be shorter than the input.
func (s *EncryptionService) EncryptBatch(values []string, version int) []string {
	out := make([]string, 0, len(values))
	for i, v := range values {
		ct, err := s.Encrypt(v, version)
		if err != nil {
			s.metrics.BatchItemDropped("encrypt")
			s.logger.Warn().Err(err).Int("index", i).Int("key_version", version).Msg("batch encrypt: value dropped")
			continue
		}
		out = append(out, ct)
	}
	return out
}

// DecryptBatch decrypts each envelope, dropping failures like EncryptBatch.
func (s *EncryptionService) DecryptBatch(envelopes []string, version int) []string {
	out := make([]string, 0, len(envelopes))
	for i, v := range envelopes {
		pt, err := s.Decrypt(v, version)
		if err != nil {
			s.metrics.BatchItemDropped("decrypt")
			s.logger.Warn().Err(err).Int("index", i).Int("key_version", version).Msg("batch decrypt: value dropped")
			continue
		}
		out = append(out, pt)
	}
	return out
}

// NeedsReEncryption reports whether ciphertext sealed under version predates
// the current key.
func (s *EncryptionService) NeedsReEncryption(version int) bool {
	return version != s.keys.CurrentVersion()
}

// ReEncrypt opens an envelope under its old version and seals it under the
// current one.
func (s *EncryptionService) ReEncrypt(envelope string, version int) (EncryptedValue, error) {
	plaintext, err := s.Decrypt(envelope, version)
	if err != nil {
		return EncryptedValue{}, fmt.Errorf("re-encrypt: decrypt: %w", err)
	}
	return s.EncryptCurrent(plaintext)
}

// RotateKeys rotates the key set and records an ENCRYPTION_KEY_ROTATED audit
// event on behalf of actorID. A failed audit append is logged; the rotation
// itself has already taken effect.
func (s *EncryptionService) RotateKeys(ctx context.Context, alg Algorithm, archiveOld bool, reason, actorID string) (*RotationResult, error) {
	res, err := s.keys.Rotate(ctx, alg, archiveOld, reason)
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		event := &AuditEvent{
			Type:   EventKeyRotated,
			UserID: actorID,
			Action: fmt.Sprintf("Rotated encryption key v%d to v%d", res.PreviousVersion, res.NewVersion),
			Metadata: map[string]string{
				"previous_version": strconv.Itoa(res.PreviousVersion),
				"new_version":      strconv.Itoa(res.NewVersion),
				"algorithm":        string(res.Algorithm),
				"archived_old":     strconv.FormatBool(res.ArchivedOld),
				"reason":           reason,
			},
		}
		if _, err := s.audit.Append(ctx, event); err != nil {
			s.logger.Error().Err(err).Int("new_version", res.NewVersion).Msg("failed to audit key rotation")
		}
	}
	return res, nil
}

func (s *EncryptionService) recordFailure(op string, err error) {
	reason := "other"
	switch {
	case errors.Is(err, ErrAuthenticationFailure):
		reason = "authentication"
	case errors.Is(err, ErrMalformedEnvelope):
		reason = "malformed"
	case errors.Is(err, ErrUnknownKeyVersion):
		reason = "unknown_version"
	}
	s.metrics.CryptoFailed(op, reason)
}
