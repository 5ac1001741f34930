package httpengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/italolelis/zim_downloader/internal/transfer"
)

const tokenVersion = 1

// resumeToken is the engine's private resume data format. Callers treat the
// encoded bytes as opaque.
type resumeToken struct {
	Version      int    `json:"version"`
	ItemID       string `json:"item_id"`
	URL          string `json:"url"`
	TempPath     string `json:"temp_path"`
	Written      int64  `json:"written"`
	Expected     int64  `json:"expected,omitempty"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

func (t resumeToken) encode() ([]byte, error) {
	t.Version = tokenVersion

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resume token: %w", err)
	}

	return data, nil
}

// decodeToken parses data without touching the filesystem.
func decodeToken(data []byte) (resumeToken, error) {
	var t resumeToken

	if len(data) == 0 {
		return t, &transfer.InvalidResumeDataError{Reason: "empty token"}
	}

	if err := json.Unmarshal(data, &t); err != nil {
		return t, &transfer.InvalidResumeDataError{Reason: "malformed token", Err: err}
	}

	if t.Version != tokenVersion {
		return t, &transfer.InvalidResumeDataError{Reason: "unsupported token version " + strconv.Itoa(t.Version)}
	}

	if t.URL == "" || t.TempPath == "" {
		return t, &transfer.InvalidResumeDataError{Reason: "token is missing url or partial file"}
	}

	if t.Written < 0 || (t.Expected > 0 && t.Written > t.Expected) {
		return t, &transfer.InvalidResumeDataError{Reason: "token byte counts are inconsistent"}
	}

	return t, nil
}

// validate checks the token against the engine's temp directory and the
// partial file it references.
func (t resumeToken) validate(tempDir, itemID string) error {
	if t.ItemID != itemID {
		return &transfer.InvalidResumeDataError{Reason: fmt.Sprintf("token belongs to item %q", t.ItemID)}
	}

	if !within(tempDir, t.TempPath) {
		return &transfer.InvalidResumeDataError{Reason: "partial file is outside the temp directory"}
	}

	info, err := os.Stat(t.TempPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &transfer.InvalidResumeDataError{Reason: "partial file is gone", Err: err}
		}

		return &transfer.InvalidResumeDataError{Reason: "partial file is unreadable", Err: err}
	}

	if info.Size() < t.Written {
		return &transfer.InvalidResumeDataError{Reason: "partial file is shorter than recorded"}
	}

	return nil
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}

	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
