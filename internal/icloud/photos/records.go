package photos

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

// Record is one CloudKit record as returned by records/query.
type Record struct {
	RecordName string           `json:"recordName"`
	RecordType string           `json:"recordType"`
	Fields     map[string]field `json:"fields"`
	Modified   timestamp        `json:"modified"`
	Deleted    bool             `json:"deleted"`
}

type timestamp struct {
	Timestamp int64 `json:"timestamp"` // unix ms
}

// field is a CloudKit typed value: {"value": ..., "type": "STRING"}.
type field struct {
	Value json.RawMessage `json:"value"`
	Type  string          `json:"type"`
}

// resource is the payload of an asset-typed field: the signed download URL
// plus the checksum identity of the blob.
type resource struct {
	FileChecksum      string `json:"fileChecksum"`
	Size              int64  `json:"size"`
	WrappingKey       string `json:"wrappingKey"`
	ReferenceChecksum string `json:"referenceChecksum"`
	DownloadURL       string `json:"downloadURL"`
}

func (r *Record) stringField(name string) (string, error) {
	f, ok := r.Fields[name]
	if !ok {
		return "", apperr.Newf(apperr.KindUnexpected, "record %s missing field %s", r.RecordName, name)
	}
	var s string
	if err := json.Unmarshal(f.Value, &s); err != nil {
		return "", apperr.Wrap(apperr.KindUnexpected, fmt.Sprintf("record %s field %s", r.RecordName, name), err)
	}
	return s, nil
}

// encodedStringField decodes a base64-encoded string field (Apple encodes
// user-provided names).
func (r *Record) encodedStringField(name string) (string, error) {
	enc, err := r.stringField(name)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnexpected, fmt.Sprintf("record %s field %s not base64", r.RecordName, name), err)
	}
	return string(raw), nil
}

func (r *Record) int64Field(name string) (int64, bool) {
	f, ok := r.Fields[name]
	if !ok {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(f.Value, &n); err != nil {
		return 0, false
	}
	return n, true
}

// resourceField extracts an asset resource; ok is false when the field is
// absent (e.g. no edited rendition).
func (r *Record) resourceField(name string) (resource, bool, error) {
	f, ok := r.Fields[name]
	if !ok {
		return resource{}, false, nil
	}
	var res resource
	if err := json.Unmarshal(f.Value, &res); err != nil {
		return resource{}, false, apperr.Wrap(apperr.KindUnexpected, fmt.Sprintf("record %s field %s", r.RecordName, name), err)
	}
	if res.FileChecksum == "" || res.DownloadURL == "" {
		return resource{}, false, apperr.Newf(apperr.KindUnexpected, "record %s field %s missing checksum or URL", r.RecordName, name)
	}
	return res, true, nil
}

// referenceField extracts the recordName of a REFERENCE field.
func (r *Record) referenceField(name string) (string, error) {
	f, ok := r.Fields[name]
	if !ok {
		return "", apperr.Newf(apperr.KindUnexpected, "record %s missing reference %s", r.RecordName, name)
	}
	var ref struct {
		RecordName string `json:"recordName"`
	}
	if err := json.Unmarshal(f.Value, &ref); err != nil {
		return "", apperr.Wrap(apperr.KindUnexpected, fmt.Sprintf("record %s reference %s", r.RecordName, name), err)
	}
	return ref.RecordName, nil
}
