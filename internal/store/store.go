// Package store wraps the underlying package manager's primitives as typed
// futures, following the same shape the original coordinator used: every
// operation is a child process whose stdout is either a boolean exit status
// or a newline-delimited list of store paths.
package store

import (
	"context"
	"io"
	"os"

	"github.com/paparodeo/disnix"
	"github.com/paparodeo/disnix/internal/proc"
	"golang.org/x/xerrors"
)

// Client invokes the configured store and profile commands through a
// Supervisor. The command names default to the real Nix tools but are
// overridable so tests can point them at fake executables.
type Client struct {
	Supervisor *proc.Supervisor
	Stderr     io.Writer

	StoreCmd string // default "nix-store"
	EnvCmd   string // default "nix-env"
	GCCmd    string // default "nix-collect-garbage"
}

// New returns a Client wired to sup with the real Nix command names.
func New(sup *proc.Supervisor) *Client {
	return &Client{
		Supervisor: sup,
		StoreCmd:   "nix-store",
		EnvCmd:     "nix-env",
		GCCmd:      "nix-collect-garbage",
	}
}

func (c *Client) storeCmd() string {
	if c.StoreCmd != "" {
		return c.StoreCmd
	}
	return "nix-store"
}

// Realise builds each derivation, returning the output store paths produced.
func (c *Client) Realise(ctx context.Context, derivations []disnix.DerivationPath) ([]disnix.StorePath, error) {
	argv := append([]string{c.storeCmd(), "--realise"}, disnix.DerivationPathArgs(derivations)...)
	lines, err := c.strv(ctx, argv)
	if err != nil {
		return nil, err
	}
	out := make([]disnix.StorePath, len(lines))
	for i, l := range lines {
		out[i] = disnix.StorePath(l)
	}
	return out, nil
}

// QueryRequisites returns the transitive closure of paths, i.e. every store
// path reachable from paths through embedded references.
func (c *Client) QueryRequisites(ctx context.Context, paths []disnix.StorePath) ([]disnix.StorePath, error) {
	argv := append([]string{c.storeCmd(), "--query", "--requisites"}, disnix.StorePathArgs(paths)...)
	lines, err := c.strv(ctx, argv)
	if err != nil {
		return nil, err
	}
	out := make([]disnix.StorePath, len(lines))
	for i, l := range lines {
		out[i] = disnix.StorePath(l)
	}
	return out, nil
}

// PrintInvalid returns the subset of paths that the local store does not (or
// no longer) consider valid.
func (c *Client) PrintInvalid(ctx context.Context, paths []disnix.StorePath) ([]disnix.StorePath, error) {
	argv := append([]string{c.storeCmd(), "--check-validity", "--print-invalid"}, disnix.StorePathArgs(paths)...)
	lines, err := c.strv(ctx, argv)
	if err != nil {
		return nil, err
	}
	out := make([]disnix.StorePath, len(lines))
	for i, l := range lines {
		out[i] = disnix.StorePath(l)
	}
	return out, nil
}

func (c *Client) strv(ctx context.Context, argv []string) ([]string, error) {
	fut, err := c.Supervisor.StrvFuture(ctx, argv, c.Stderr, '\n')
	if err != nil {
		return nil, err
	}
	lines, err := fut.Wait(ctx)
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", argv, err)
	}
	return lines, nil
}

// ExportClosure serialises the transitive closure of paths into a freshly
// allocated temp file under tmpdir, following the mkstemp'd
// "<tmpdir>/disnix.XXXXXX" naming scheme: the file is created before the
// child is forked, and is the caller's to delete on every exit path.
func (c *Client) ExportClosure(ctx context.Context, paths []disnix.StorePath, tmpdir string) (_ string, err error) {
	f, err := os.CreateTemp(tmpdir, "disnix.")
	if err != nil {
		return "", xerrors.Errorf("mkstemp: %w", err)
	}
	name := f.Name()
	defer f.Close()

	argv := append([]string{c.storeCmd(), "--export"}, disnix.StorePathArgs(paths)...)
	fut, err := c.Supervisor.BoolFuture(ctx, argv, nil, f, c.Stderr)
	if err != nil {
		os.Remove(name)
		return "", err
	}
	ok, err := fut.Wait(ctx)
	if err != nil {
		os.Remove(name)
		return "", err
	}
	if !ok {
		os.Remove(name)
		return "", xerrors.Errorf("%v: exit status != 0", argv)
	}
	return name, nil
}

// ImportClosure reads a closure bundle previously produced by ExportClosure
// (locally or on another host) and imports it into the local store.
func (c *Client) ImportClosure(ctx context.Context, bundle string) error {
	f, err := os.Open(bundle)
	if err != nil {
		return xerrors.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	argv := []string{c.storeCmd(), "--import"}
	fut, err := c.Supervisor.BoolFuture(ctx, argv, f, nil, c.Stderr)
	if err != nil {
		return err
	}
	ok, err := fut.Wait(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("%v: exit status != 0", argv)
	}
	return nil
}

// CollectGarbage runs the store's garbage collector, optionally also
// deleting old profile generations. Retention policy is the caller's
// concern; this only invokes the primitive once.
func (c *Client) CollectGarbage(ctx context.Context, deleteOld bool) error {
	gcCmd := c.GCCmd
	if gcCmd == "" {
		gcCmd = "nix-collect-garbage"
	}
	argv := []string{gcCmd}
	if deleteOld {
		argv = append(argv, "-d")
	}
	fut, err := c.Supervisor.BoolFuture(ctx, argv, nil, os.Stdout, c.Stderr)
	if err != nil {
		return err
	}
	ok, err := fut.Wait(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("%v: exit status != 0", argv)
	}
	return nil
}

// SetProfile atomically points the Nix profile at profilePath at path,
// e.g. a coordinator or user profile symlink.
func (c *Client) SetProfile(ctx context.Context, profilePath, path string) error {
	envCmd := c.EnvCmd
	if envCmd == "" {
		envCmd = "nix-env"
	}
	argv := []string{envCmd, "-p", profilePath, "--set", path}
	fut, err := c.Supervisor.BoolFuture(ctx, argv, nil, os.Stdout, c.Stderr)
	if err != nil {
		return err
	}
	ok, err := fut.Wait(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("%v: exit status != 0", argv)
	}
	return nil
}
