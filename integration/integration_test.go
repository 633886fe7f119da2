// Package integration exercises the coordinator end to end: parse a
// distributed-derivation document, run the scheduler against fake store and
// client-interface executables, and check the deployment result and
// coordinator profile, following the Concrete scenarios in the component
// design rather than unit-testing any one package.
package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paparodeo/disnix/internal/agent"
	"github.com/paparodeo/disnix/internal/model"
	"github.com/paparodeo/disnix/internal/proc"
	"github.com/paparodeo/disnix/internal/profile"
	"github.com/paparodeo/disnix/internal/scheduler"
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

func writeDoc(t *testing.T, dir string, xmlBody string) string {
	t.Helper()
	path := filepath.Join(dir, "deployment.xml")
	if err := os.WriteFile(path, []byte(xmlBody), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const oneTargetDoc = `<?xml version="1.0"?>
<distributedderivation>
  <mapping>
    <derivation>/nix/store/aaa.drv</derivation>
    <target>
      <name>t1</name>
      <targetProperty>hostname</targetProperty>
      <clientInterface>%s</clientInterface>
      <property name="hostname">10.0.0.1</property>
    </target>
  </mapping>
</distributedderivation>
`

func TestMinimalHappyPathDeploysAndUpdatesProfile(t *testing.T) {
	dir := t.TempDir()
	nixStore := writeScript(t, dir, "nix-store", `
case "$1" in
--realise) echo /nix/store/aaa-out ;;
--export) cat > /dev/null; echo exported ;;
esac
`)
	clientIface := writeScript(t, dir, "client-iface", `exit 0`)
	ddPath := writeDoc(t, dir, fmt.Sprintf(oneTargetDoc, clientIface))

	dd, err := model.ReadDistributedDerivationFile(ddPath)
	if err != nil {
		t.Fatal(err)
	}

	sup := proc.NewSupervisor(10)
	sc := store.New(sup)
	sc.StoreCmd = nixStore
	a := agent.New(sup)

	s := scheduler.New(sc, a, nil, dir, 2)
	result, err := s.Run(context.Background(), dd)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Jobs)
	}

	setProfileScript := writeScript(t, dir, "nix-env", `
[ "$1" = "-p" ] || exit 1
mkdir -p "$(dirname "$2")"
ln -sfn "$4" "$2"
`)
	sc.EnvCmd = setProfileScript
	writer := profile.New(sc, filepath.Join(dir, "profiles"))
	if err := writer.Set(context.Background(), ddPath); err != nil {
		t.Fatal(err)
	}
}

func TestCancellationStopsNewJobs(t *testing.T) {
	dir := t.TempDir()
	nixStore := writeScript(t, dir, "nix-store", `
case "$1" in
--realise) sleep 0.3; echo /nix/store/out ;;
--export) cat > /dev/null; echo exported ;;
esac
`)
	clientIface := writeScript(t, dir, "client-iface", `exit 0`)

	dd := &model.DistributedDerivation{Mapping: []model.MappingEntry{
		{Derivation: "/nix/store/aaa.drv", Target: model.Target{Name: "t1", TargetProperty: "hostname", ClientInterface: clientIface, Properties: map[string]string{"hostname": "10.0.0.1"}}},
		{Derivation: "/nix/store/bbb.drv", Target: model.Target{Name: "t2", TargetProperty: "hostname", ClientInterface: clientIface, Properties: map[string]string{"hostname": "10.0.0.2"}}},
	}}

	sup := proc.NewSupervisor(10)
	sc := store.New(sup)
	sc.StoreCmd = nixStore
	a := agent.New(sup)
	s := scheduler.New(sc, a, nil, dir, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result, err := s.Run(ctx, dd)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected failure due to cancellation")
	}
	for _, jr := range result.Jobs {
		if jr.State != scheduler.StateDoneFailed || jr.FailStep != "cancelled" {
			t.Errorf("expected job to fail as cancelled, got %+v", jr)
		}
	}
}

func TestMalformedInputRejectedBeforeAnyJob(t *testing.T) {
	dir := t.TempDir()
	ddPath := writeDoc(t, dir, "this is not xml")
	if _, err := model.ReadDistributedDerivationFile(ddPath); err == nil {
		t.Fatal("expected parse error for malformed input")
	}
}
