// Package agent is the remote-agent protocol adapter: it invokes a target's
// configured client-interface executable to move closures on and off of a
// remote store. The wire contract is process argv, not RPC: the
// client-interface program is exec'd as
//
//	<clientInterface> <address> <operation> [args...]
//
// with the closure bundle, when one is involved, carried over the child's
// stdin (import) or stdout (export) rather than passed as a file path, since
// the target may not share a filesystem with the coordinator.
package agent

import (
	"context"
	"io"
	"os"

	"github.com/paparodeo/disnix"
	"github.com/paparodeo/disnix/internal/model"
	"github.com/paparodeo/disnix/internal/proc"
	"golang.org/x/xerrors"
)

// Adapter invokes client-interface executables through a Supervisor.
type Adapter struct {
	Supervisor *proc.Supervisor
	Stderr     io.Writer
}

// New returns an Adapter wired to sup.
func New(sup *proc.Supervisor) *Adapter {
	return &Adapter{Supervisor: sup}
}

func clientInterface(t model.Target) string {
	if t.ClientInterface != "" {
		return t.ClientInterface
	}
	return "disnix-ssh-client"
}

// CopyTo transfers a closure bundle produced locally by store.ExportClosure
// to target, attaching the bundle file as stdin. The remote client-interface
// is responsible for importing it into the target's store; this is the
// "import" operation with a populated stdin.
func (a *Adapter) CopyTo(ctx context.Context, target model.Target, bundle string) error {
	addr, err := target.Address()
	if err != nil {
		return err
	}
	f, err := os.Open(bundle)
	if err != nil {
		return xerrors.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	argv := []string{clientInterface(target), addr, "import"}
	fut, err := a.Supervisor.BoolFuture(ctx, argv, f, nil, a.Stderr)
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

// RemoteImport instructs target to pull a closure it already has a bundle
// for into its own store. Unlike CopyTo, no stdin is attached: this is the
// "import" operation invoked with an empty stdin, matching a target that
// stages its own bundle out of band.
func (a *Adapter) RemoteImport(ctx context.Context, target model.Target) error {
	addr, err := target.Address()
	if err != nil {
		return err
	}
	argv := []string{clientInterface(target), addr, "import"}
	fut, err := a.Supervisor.BoolFuture(ctx, argv, nil, nil, a.Stderr)
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

// Export serialises paths on the remote target and writes the resulting
// closure bundle to a fresh temp file under tmpdir, mirroring
// store.ExportClosure's mkstemp convention but with the child's stdout,
// not a local store command, as the source.
func (a *Adapter) Export(ctx context.Context, target model.Target, paths []disnix.StorePath, tmpdir string) (_ string, err error) {
	addr, err := target.Address()
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(tmpdir, "disnix.")
	if err != nil {
		return "", xerrors.Errorf("mkstemp: %w", err)
	}
	name := f.Name()
	defer f.Close()

	argv := append([]string{clientInterface(target), addr, "export"}, disnix.StorePathArgs(paths)...)
	fut, err := a.Supervisor.BoolFuture(ctx, argv, nil, f, a.Stderr)
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
