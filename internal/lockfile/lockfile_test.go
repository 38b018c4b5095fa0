package lockfile

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/marcusmccarty/branch-deploy/internal/model"
)

// Lock file as returned by the contents API in the original fixtures.
const octocatBase64 = "ewogICAgInJlYXNvbiI6ICJUZXN0aW5nIG15IG5ldyBmZWF0dXJlIHdpdGggbG90cyBvZiBjYXRzIiwKICAgICJicmFuY2giOiAib2N0b2NhdHMtZXZlcnl3aGVyZSIsCiAgICAiY3JlYXRlZF9hdCI6ICIyMDIyLTA2LTE0VDIxOjEyOjE0LjA0MVoiLAogICAgImNyZWF0ZWRfYnkiOiAib2N0b2NhdCIsCiAgICAic3RpY2t5IjogdHJ1ZSwKICAgICJsaW5rIjogImh0dHBzOi8vZ2l0aHViLmNvbS90ZXN0LW9yZy90ZXN0LXJlcG8vcHVsbC8yI2lzc3VlY29tbWVudC00NTYiCn0K"

func TestDecodeStoredLock(t *testing.T) {
	data, err := base64.StdEncoding.DecodeString(octocatBase64)
	if err != nil {
		t.Fatalf("fixture is not base64: %v", err)
	}

	record, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if record.CreatedBy != "octocat" {
		t.Errorf("CreatedBy = %s, want octocat", record.CreatedBy)
	}
	if record.Branch != "octocats-everywhere" {
		t.Errorf("Branch = %s, want octocats-everywhere", record.Branch)
	}
	if record.Link != "https://github.com/test-org/test-repo/pull/2#issuecomment-456" {
		t.Errorf("Link = %s", record.Link)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "nil payload", data: nil},
		{name: "empty payload", data: []byte{}},
		{name: "whitespace payload", data: []byte("  \n")},
		{name: "json null", data: []byte("null")},
		{name: "malformed json", data: []byte(`{"created_by": `)},
		{name: "json array", data: []byte(`[1, 2]`)},
		{name: "missing owner", data: []byte(`{"branch": "main", "sticky": false}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := Decode(tt.data)
			if err == nil {
				t.Fatalf("Decode() = %+v, want error", record)
			}
			if !IsDecodeError(err) {
				t.Errorf("Decode() error %v is not a DecodeError", err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatal("errors.As failed for DecodeError")
			}
			if !strings.HasPrefix(err.Error(), "invalid lock file: ") {
				t.Errorf("Error() = %q", err.Error())
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	reason := "testing a super cool new feature"
	record := &model.LockRecord{
		Reason:      &reason,
		Branch:      "cool-new-feature",
		CreatedAt:   time.Date(2022, 6, 15, 21, 12, 14, 41*int(time.Millisecond), time.UTC),
		CreatedBy:   "monalisa",
		Sticky:      true,
		Link:        "https://github.com/corp/test/pull/1#issuecomment-123",
		Environment: "production",
	}

	data, err := Encode(record)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for _, key := range []string{`"reason"`, `"branch"`, `"created_at"`, `"created_by"`, `"sticky"`, `"link"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("encoded lock file is missing %s: %s", key, data)
		}
	}
	if !strings.Contains(string(data), `"created_at": "2022-06-15T21:12:14.041Z"`) {
		t.Errorf("created_at is not ISO-8601: %s", data)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.ReasonText() != reason || decoded.CreatedBy != "monalisa" || !decoded.Sticky {
		t.Errorf("Decode(Encode()) = %+v", decoded)
	}
}

func TestEncodeNil(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Error("Encode(nil) should fail")
	}
}
