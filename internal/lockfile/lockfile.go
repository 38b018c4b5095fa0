// Package lockfile encodes lock records to and from the file stored on a
// lock branch.
package lockfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcusmccarty/branch-deploy/internal/model"
)

const (
	// Path is where the lock file lives on a lock branch.
	Path = "lock.json"

	// CommitMessage is used for commits that write a lock file.
	CommitMessage = "lock [skip ci]"
)

// DecodeError is returned when stored lock content cannot be decoded. It is
// always fatal to a lock operation and is distinct from the lock not
// existing.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid lock file: %s: %v", e.Reason, e.Err)
	}
	return "invalid lock file: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is, or wraps, a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Encode renders record as the JSON document written to the lock branch.
func Encode(record *model.LockRecord) ([]byte, error) {
	if record == nil {
		return nil, errors.New("cannot encode a nil lock record")
	}

	data, err := json.MarshalIndent(record, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock record: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a lock file. A nil or empty payload, the JSON literal null,
// malformed JSON and records without an owner all fail with *DecodeError.
func Decode(data []byte) (*model.LockRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if data == nil {
		return nil, &DecodeError{Reason: "content is null"}
	}
	if len(trimmed) == 0 {
		return nil, &DecodeError{Reason: "content is empty"}
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, &DecodeError{Reason: "content is null"}
	}

	var record model.LockRecord
	if err := json.Unmarshal(trimmed, &record); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}
	if record.CreatedBy == "" {
		return nil, &DecodeError{Reason: "created_by is missing"}
	}

	return &record, nil
}
