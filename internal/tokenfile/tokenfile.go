// Package tokenfile reads and writes the per-provider token JSON files. The
// format is shared with the older Python tooling, so field names and the
// float unix-seconds timestamps are fixed. This is a leaf package: the
// credential store converts records to and from its own Token type.
package tokenfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the tokens directory.
const DirPerms = 0o700

// Record is the on-disk format of a token file.
//
// ExpiresIn is the provider-declared access token lifetime. Files written by
// the old tooling overwrote ExpiresIn with the sliding-window lifetime and
// kept the real value in OriginalExpiresIn; the credential store detects and
// normalizes those on load.
type Record struct {
	AccessToken            string    `json:"access_token"`
	RefreshToken           *string   `json:"refresh_token"`
	TokenType              string    `json:"token_type"`
	ExpiresIn              int64     `json:"expires_in"`
	OriginalExpiresIn      int64     `json:"original_expires_in,omitempty"`
	Timestamp              UnixTime  `json:"timestamp"`
	LastRefreshTime        string    `json:"last_refresh_time,omitempty"`
	SlidingWindowExpiresAt *UnixTime `json:"sliding_window_expires_at,omitempty"`
}

// UnixTime is a timestamp encoded as fractional unix seconds. Decoding also
// accepts an ISO-8601 string because some legacy files stored one.
// Precision is one microsecond.
type UnixTime struct {
	time.Time
}

// NewUnixTime truncates t to microseconds and normalizes it to UTC so that
// an encode/decode round trip is exact.
func NewUnixTime(t time.Time) UnixTime {
	return UnixTime{Time: t.UTC().Truncate(time.Microsecond)}
}

// MarshalJSON encodes the time as unix seconds with microsecond fraction.
func (u UnixTime) MarshalJSON() ([]byte, error) {
	if u.IsZero() {
		return []byte("0"), nil
	}

	secs := float64(u.UnixMicro()) / 1e6

	return []byte(strconv.FormatFloat(secs, 'f', 6, 64)), nil
}

// UnmarshalJSON decodes unix seconds (int or float) or an ISO-8601 string.
func (u *UnixTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		u.Time = time.Time{}
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		t, err := ParseTime(s)
		if err != nil {
			return err
		}

		u.Time = t

		return nil
	}

	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("tokenfile: parsing timestamp %s: %w", data, err)
	}

	if secs == 0 {
		u.Time = time.Time{}
		return nil
	}

	u.Time = time.UnixMicro(int64(math.Round(secs * 1e6))).UTC()

	return nil
}

// ParseTime parses an ISO-8601 timestamp as written by either this package
// or the older tooling. The result is UTC with microsecond precision.
func ParseTime(s string) (time.Time, error) {
	t, err := parseISO(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("tokenfile: parsing timestamp %q: %w", s, err)
	}

	return t.UTC().Truncate(time.Microsecond), nil
}

// parseISO accepts RFC 3339 and the offset-less form Python's isoformat emits.
func parseISO(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
	}

	var lastErr error

	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			return t, nil
		}

		lastErr = err
	}

	return time.Time{}, lastErr
}

// Load reads a token file from disk. Returns (nil, nil) if the file does not
// exist.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if rec.AccessToken == "" {
		return nil, fmt.Errorf("tokenfile: %s missing access_token", path)
	}

	return &rec, nil
}

// Save writes a token file to disk atomically (write-to-temp + rename)
// with 0600 permissions. Never logs token values.
func Save(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Flush before rename so a power loss cannot leave a partial file at path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the token file. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}
