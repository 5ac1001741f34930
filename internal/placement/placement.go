// Package placement moves finished transfers into the archive directory and
// manages directories that must stay out of backups.
package placement

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	archiveExt = ".zim"

	// CacheDirTagName is the marker file defined by the Cache Directory Tagging
	// Standard. tar --exclude-caches, borg, restic and most backup tools skip
	// directories that carry it.
	CacheDirTagName = "CACHEDIR.TAG"

	cacheDirTagSignature = "Signature: 8a477f597d28d172789f06886806bc55"
	cacheDirTagContent   = cacheDirTagSignature + "\n" +
		"# This file is a cache directory tag created by zim_downloader.\n" +
		"# Its contents are session specific and must not be backed up.\n"
)

// EnsureDirectory creates path if needed. When excludedFromBackup is set the
// directory is tagged so backup tools skip it. Calling it again is a no-op.
func EnsureDirectory(dir string, excludedFromBackup bool) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if !excludedFromBackup || IsBackupExcluded(dir) {
		return nil
	}

	tag := filepath.Join(dir, CacheDirTagName)
	if err := os.WriteFile(tag, []byte(cacheDirTagContent), filePerm); err != nil {
		return fmt.Errorf("failed to mark %s as excluded from backup: %w", dir, err)
	}

	return nil
}

// IsBackupExcluded reports whether dir carries a valid cache directory tag.
func IsBackupExcluded(dir string) bool {
	f, err := os.Open(filepath.Join(dir, CacheDirTagName))
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, len(cacheDirTagSignature))
	if _, err := io.ReadFull(f, buf); err != nil {
		return false
	}

	return string(buf) == cacheDirTagSignature
}

// Placer owns the final archive directory.
type Placer struct {
	dir string
}

// NewPlacer returns a Placer writing into dir.
func NewPlacer(dir string) *Placer {
	return &Placer{dir: dir}
}

// Dir returns the archive directory.
func (p *Placer) Dir() string {
	return p.dir
}

// MoveIntoPlace moves the file at tempPath into the archive directory under a
// sanitized version of suggestedName and returns the final path. An existing
// archive with the same name is replaced.
func (p *Placer) MoveIntoPlace(tempPath, suggestedName string) (string, error) {
	name := sanitizeName(suggestedName)
	if name == "" {
		return "", fmt.Errorf("invalid archive name %q", suggestedName)
	}

	if err := EnsureDirectory(p.dir, false); err != nil {
		return "", err
	}

	target := filepath.Join(p.dir, name)

	if err := os.Rename(tempPath, target); err != nil {
		var linkErr *os.LinkError
		if !errors.As(err, &linkErr) || errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to move %s into place: %w", tempPath, err)
		}

		// Most likely a cross-device rename.
		if err := copyFile(tempPath, target); err != nil {
			return "", fmt.Errorf("failed to copy %s into place: %w", tempPath, err)
		}

		if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove %s after copy: %w", tempPath, err)
		}
	}

	return target, nil
}

// Remove deletes a previously placed archive. Missing files are ignored.
func (p *Placer) Remove(finalPath string) error {
	if finalPath == "" {
		return nil
	}

	if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove archive %s: %w", finalPath, err)
	}

	return nil
}

// SuggestedName derives an archive file name from the source URL and falls back
// to the item id.
func SuggestedName(itemID, sourceURL string) string {
	if u, err := url.Parse(sourceURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			if name := sanitizeName(base); name != "" {
				return name
			}
		}
	}

	return sanitizeName(itemID) + archiveExt
}

// QualifiedName suffixes name with the item id, keeping the extension:
// wikipedia.zim for item "b" becomes wikipedia-b.zim. It is used when another
// item already owns the plain name.
func QualifiedName(name, itemID string) string {
	name = sanitizeName(name)
	ext := path.Ext(name)

	return strings.TrimSuffix(name, ext) + "-" + sanitizeName(strings.ReplaceAll(itemID, "/", "_")) + ext
}

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)

	if name == "." || name == ".." || name == "/" {
		return ""
	}

	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == ':' {
			return '_'
		}

		return r
	}, name)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".placing-*")
	if err != nil {
		return err
	}

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	return os.Rename(tmp.Name(), dst)
}
