// Package hfcache lays files out in the Hugging Face hub cache structure
// so reconstructed snapshots are usable by existing tooling.
package hfcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout resolves paths inside one hub cache root.
type Layout struct {
	Root string // e.g. ~/.cache/huggingface
}

// repoDir converts "org/name" to "models--org--name".
func repoDir(repo string) string {
	return "models--" + strings.ReplaceAll(repo, "/", "--")
}

// SnapshotDir is where a commit's files live.
func (l Layout) SnapshotDir(repo, commit string) string {
	return filepath.Join(l.Root, "hub", repoDir(repo), "snapshots", commit)
}

// RefPath is the file recording the commit a ref points at.
func (l Layout) RefPath(repo, ref string) string {
	return filepath.Join(l.Root, "hub", repoDir(repo), "refs", ref)
}

// WriteRef records that ref resolves to commit, atomically.
func (l Layout) WriteRef(repo, ref, commit string) error {
	path := l.RefPath(repo, ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ref")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := fmt.Fprintln(tmp, commit); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadRef returns the commit a ref points at, or "" when absent.
func (l Layout) ReadRef(repo, ref string) (string, error) {
	b, err := os.ReadFile(l.RefPath(repo, ref))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
