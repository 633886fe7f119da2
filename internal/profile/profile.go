// Package profile is the coordinator-profile writer: after a successful
// deployment it records the active manifest path in a per-user profile
// symlink, so later tools can recover the last deployed configuration.
package profile

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/paparodeo/disnix/internal/store"
	"golang.org/x/xerrors"
)

// Writer points one named profile at a manifest path via the store's
// profile-set primitive.
type Writer struct {
	Store *store.Client

	// BaseDir is the directory the profile symlink lives in, e.g.
	// <state-dir>/profiles/per-user/<user>/disnix-coordinator, or a
	// caller-supplied override.
	BaseDir string

	// Profile is the symlink's file name within BaseDir. Defaults to
	// "default".
	Profile string
}

// DefaultBaseDir computes the well-known per-user coordinator profile
// directory for stateDir/username.
func DefaultBaseDir(stateDir, username string) string {
	return filepath.Join(stateDir, "profiles", "per-user", username, "disnix-coordinator")
}

// New returns a Writer using the default profile name "default".
func New(s *store.Client, baseDir string) *Writer {
	return &Writer{Store: s, BaseDir: baseDir, Profile: "default"}
}

func (w *Writer) profileName() string {
	if w.Profile != "" {
		return w.Profile
	}
	return "default"
}

func (w *Writer) profilePath() string {
	return filepath.Join(w.BaseDir, w.profileName())
}

// normalizeManifestPath implements the spec's literal rule: a path
// beginning with "/" or "./" is used as-is; anything else gets "./"
// prepended so profile-set always receives a store-addressable path.
func normalizeManifestPath(path string) string {
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "./") {
		return path
	}
	return "./" + path
}

// resolveCurrent reads the profile symlink and follows one generation
// indirection: if the link target is a bare name (no "/"), it is resolved
// once more within the same directory. No further recursion is performed.
// A missing symlink is not an error; it simply means no profile is set.
func (w *Writer) resolveCurrent() (string, error) {
	link := w.profilePath()
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if strings.Contains(target, "/") {
		return target, nil
	}
	next, err := os.Readlink(filepath.Join(filepath.Dir(link), target))
	if err != nil {
		// Not itself a symlink (or unreadable): accept the generation name.
		return target, nil
	}
	return next, nil
}

// Set records manifestPath as the profile's target. If the profile already
// resolves to manifestPath byte-for-byte, Set is a no-op (idempotent
// re-deployment).
func (w *Writer) Set(ctx context.Context, manifestPath string) error {
	manifestPath = normalizeManifestPath(manifestPath)

	if current, err := w.resolveCurrent(); err == nil && current == manifestPath {
		return nil
	}

	if err := os.MkdirAll(w.BaseDir, 0755); err != nil {
		return xerrors.Errorf("mkdir %s: %w", w.BaseDir, err)
	}
	if err := w.Store.SetProfile(ctx, w.profilePath(), manifestPath); err != nil {
		return xerrors.Errorf("set-profile: %w", err)
	}
	return nil
}
