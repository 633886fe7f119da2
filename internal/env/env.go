// Package env captures details about the Nix environment the coordinator
// runs in.
package env

import (
	"os"
	"os/user"
)

// StateDir is the root of the Nix state directory, under which profiles and
// store metadata live. Overridable via NIX_STATE_DIR for testing and for
// hosts with a non-standard store location.
var StateDir = findStateDir()

func findStateDir() string {
	if v := os.Getenv("NIX_STATE_DIR"); v != "" {
		return v
	}
	return "/nix/var/nix" // default
}

// CurrentUsername returns the invoking user's name, used to build the
// per-user coordinator profile path. It falls back to $USER if the system
// user database cannot be consulted (e.g. inside a minimal container).
func CurrentUsername() (string, error) {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	if v := os.Getenv("USER"); v != "" {
		return v, nil
	}
	return "", os.ErrNotExist
}
