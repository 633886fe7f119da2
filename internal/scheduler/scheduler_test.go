package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paparodeo/disnix"
	"github.com/paparodeo/disnix/internal/agent"
	"github.com/paparodeo/disnix/internal/model"
	"github.com/paparodeo/disnix/internal/proc"
	"github.com/paparodeo/disnix/internal/store"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func entry(deriv, target, iface string) model.MappingEntry {
	return model.MappingEntry{
		Derivation: disnix.DerivationPath(deriv),
		Target: model.Target{
			Name:            target,
			TargetProperty:  "hostname",
			ClientInterface: iface,
			Properties:      map[string]string{"hostname": target},
		},
	}
}

func TestMinimalHappyPath(t *testing.T) {
	dir := t.TempDir()
	nixStore := writeScript(t, dir, "nix-store", `
case "$1" in
--realise) echo /nix/store/aaa-out ;;
--export) cat > /dev/null; echo exported ;;
esac
`)
	clientIface := writeScript(t, dir, "client-iface", `exit 0`)

	sup := proc.NewSupervisor(10)
	sc := store.New(sup)
	sc.StoreCmd = nixStore
	a := agent.New(sup)

	dd := &model.DistributedDerivation{Mapping: []model.MappingEntry{
		entry("/nix/store/aaa.drv", "t1", clientIface),
	}}

	s := New(sc, a, nil, dir, 2)
	result, err := s.Run(context.Background(), dd)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Jobs)
	}
	if len(result.Jobs) != 1 || result.Jobs[0].State != StateDoneOK {
		t.Fatalf("unexpected result: %+v", result.Jobs)
	}
}

func TestEmptyMappingSucceeds(t *testing.T) {
	dir := t.TempDir()
	sup := proc.NewSupervisor(2)
	sc := store.New(sup)
	a := agent.New(sup)
	s := New(sc, a, nil, dir, 2)
	result, err := s.Run(context.Background(), &model.DistributedDerivation{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || len(result.Jobs) != 0 {
		t.Fatalf("expected empty success, got %+v", result)
	}
}

func TestPartialFailure(t *testing.T) {
	dir := t.TempDir()
	nixStore := writeScript(t, dir, "nix-store", `
case "$1" in
--realise) echo /nix/store/out ;;
--export) cat > /dev/null; echo exported ;;
esac
`)
	goodIface := writeScript(t, dir, "good-iface", `exit 0`)
	badIface := writeScript(t, dir, "bad-iface", `exit 1`)

	sup := proc.NewSupervisor(10)
	sc := store.New(sup)
	sc.StoreCmd = nixStore
	a := agent.New(sup)

	dd := &model.DistributedDerivation{Mapping: []model.MappingEntry{
		entry("/nix/store/aaa.drv", "t1", goodIface),
		entry("/nix/store/bbb.drv", "t2", badIface),
	}}

	s := New(sc, a, nil, dir, 2)
	result, err := s.Run(context.Background(), dd)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected overall failure")
	}
	if result.Jobs[0].State != StateDoneOK {
		t.Fatalf("expected t1 done-ok, got %+v", result.Jobs[0])
	}
	if result.Jobs[1].State != StateDoneFailed || result.Jobs[1].FailStep != "transferring" {
		t.Fatalf("expected t2 done-failed at transferring, got %+v", result.Jobs[1])
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		name := e.Name()
		if name != "nix-store" && name != "good-iface" && name != "bad-iface" {
			t.Errorf("expected no leaked bundle, found %q", name)
		}
	}
}

func TestCapEnforcement(t *testing.T) {
	dir := t.TempDir()
	nixStore := writeScript(t, dir, "nix-store", `
case "$1" in
--realise) echo /nix/store/out ;;
--export) cat > /dev/null; sleep 0.2; echo exported ;;
esac
`)
	clientIface := writeScript(t, dir, "client-iface", `exit 0`)

	sup := proc.NewSupervisor(10)
	sc := store.New(sup)
	sc.StoreCmd = nixStore
	a := agent.New(sup)

	dd := &model.DistributedDerivation{Mapping: []model.MappingEntry{
		entry("/nix/store/aaa.drv", "t1", clientIface),
		entry("/nix/store/bbb.drv", "t2", clientIface),
		entry("/nix/store/ccc.drv", "t3", clientIface),
	}}

	s := New(sc, a, nil, dir, 2)
	start := time.Now()
	result, err := s.Run(context.Background(), dd)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Jobs)
	}
	// Cap 2 forces the third export to wait for one of the first two, so
	// three 0.2s exports cannot all finish within one 0.2s window.
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Fatalf("expected cap to serialize a batch, took only %v", elapsed)
	}
}

func TestSkipExistingShortCircuitsExport(t *testing.T) {
	dir := t.TempDir()
	nixStore := writeScript(t, dir, "nix-store", `
case "$1" in
--realise) echo /nix/store/out ;;
--check-validity) : ;; # print-invalid: nothing invalid, empty output
--export) echo called >> `+dir+`/export-calls; cat > /dev/null; echo exported ;;
esac
`)
	clientIface := writeScript(t, dir, "client-iface", `exit 0`)

	sup := proc.NewSupervisor(10)
	sc := store.New(sup)
	sc.StoreCmd = nixStore
	a := agent.New(sup)

	dd := &model.DistributedDerivation{Mapping: []model.MappingEntry{
		entry("/nix/store/aaa.drv", "t1", clientIface),
	}}

	s := New(sc, a, nil, dir, 2)
	s.SkipExisting = true
	result, err := s.Run(context.Background(), dd)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Jobs[0].State != StateDoneOK {
		t.Fatalf("expected done-ok via skip, got %+v", result.Jobs)
	}
	if _, err := os.Stat(filepath.Join(dir, "export-calls")); err == nil {
		t.Fatal("expected export to be skipped")
	}
}
