package hipaa

import (
	"fmt"
	"sort"
)

// PHIFieldConfig names the fields of one record kind that hold direct
// identifiers and are stored encrypted.
type PHIFieldConfig struct {
	RecordType string   `json:"record_type"`
	Fields     []string `json:"fields"`
}

// DefaultPHIFields returns the encrypted-at-rest fields of the eldercare
// record kinds. Display names are protected by access control and are not
// listed.
func DefaultPHIFields() []PHIFieldConfig {
	return []PHIFieldConfig{
		{RecordType: "patient", Fields: []string{"ssn", "address", "phone", "email", "insurance_id"}},
		{RecordType: "care_plan", Fields: []string{"diagnosis", "notes"}},
		{RecordType: "medication", Fields: []string{"prescription_notes"}},
		{RecordType: "caregiver", Fields: []string{"address", "phone"}},
	}
}

// PHIFieldPaths returns "<record>.<field>" keys for fast lookup.
func PHIFieldPaths() map[string]bool {
	paths := make(map[string]bool, 16)
	for _, c := range DefaultPHIFields() {
		for _, f := range c.Fields {
			paths[c.RecordType+"."+f] = true
		}
	}
	return paths
}

// EncryptedRecord is a flat record whose PHI fields hold envelopes sealed
// under KeyVersion.
type EncryptedRecord struct {
	RecordType string            `json:"record_type"`
	KeyVersion int               `json:"key_version"`
	Fields     map[string]string `json:"fields"`
	Encrypted  []string          `json:"encrypted_fields"`
}

// FieldEncryptor seals and opens the PHI fields of flat records.
type FieldEncryptor struct {
	svc   *EncryptionService
	paths map[string]bool
}

// NewFieldEncryptor creates a FieldEncryptor using the default field set.
func NewFieldEncryptor(svc *EncryptionService) *FieldEncryptor {
	return &FieldEncryptor{svc: svc, paths: PHIFieldPaths()}
}

// IsPHIField reports whether field of recordType is encrypted at rest.
func (f *FieldEncryptor) IsPHIField(recordType, field string) bool {
	return f.paths[recordType+"."+field]
}

// EncryptRecord returns a copy of fields with every PHI field sealed under
// the current key. Non-PHI fields are copied as is.
func (f *FieldEncryptor) EncryptRecord(recordType string, fields map[string]string) (*EncryptedRecord, error) {
	version := f.svc.CurrentVersion()
	if version == 0 {
		return nil, ErrNotInitialized
	}

	out := &EncryptedRecord{
		RecordType: recordType,
		KeyVersion: version,
		Fields:     make(map[string]string, len(fields)),
		Encrypted:  []string{},
	}
	for name, value := range fields {
		if !f.IsPHIField(recordType, name) {
			out.Fields[name] = value
			continue
		}
		ct, err := f.svc.Encrypt(value, version)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s.%s: %w", recordType, name, err)
		}
		out.Fields[name] = ct
		out.Encrypted = append(out.Encrypted, name)
	}
	sort.Strings(out.Encrypted)
	return out, nil
}

// DecryptRecord reverses EncryptRecord.
func (f *FieldEncryptor) DecryptRecord(rec *EncryptedRecord) (map[string]string, error) {
	out := make(map[string]string, len(rec.Fields))
	for name, value := range rec.Fields {
		out[name] = value
	}
	for _, name := range rec.Encrypted {
		pt, err := f.svc.Decrypt(rec.Fields[name], rec.KeyVersion)
		if err != nil {
			return nil, fmt.Errorf("decrypt field %s.%s: %w", rec.RecordType, name, err)
		}
		out[name] = pt
	}
	return out, nil
}

// ReEncryptRecord moves a record sealed under an old key to the current
// key. Records already current are returned unchanged.
func (f *FieldEncryptor) ReEncryptRecord(rec *EncryptedRecord) (*EncryptedRecord, error) {
	if !f.svc.NeedsReEncryption(rec.KeyVersion) {
		return rec, nil
	}
	plain, err := f.DecryptRecord(rec)
	if err != nil {
		return nil, err
	}
	return f.EncryptRecord(rec.RecordType, plain)
}
