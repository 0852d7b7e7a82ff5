package provision_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"nodekeeper/internal/provision"
	"nodekeeper/internal/testsupport"
)

func bundle() fstest.MapFS {
	return fstest.MapFS{
		"etc/cellframe-node.cfg":  {Data: []byte("[general]\nauto_online=true\n")},
		"etc/network/mainnet.cfg": {Data: []byte("[general]\nid=0x1\n")},
		"share/default.setup":     {Data: []byte("net mainnet\n")},
		"share/ca/node.dcert":     {Data: []byte("cert")},
		"README.md":               {Data: []byte("not copied")},
	}
}

func TestProvisionCopiesTrees(t *testing.T) {
	workDir := filepath.Join(t.TempDir(), "node")
	p := &provision.DirProvisioner{Bundle: bundle()}

	if err := p.Provision(context.Background(), workDir, false); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	got := testsupport.ReadTree(t, workDir)
	want := map[string]string{
		"etc/cellframe-node.cfg":  "[general]\nauto_online=true\n",
		"etc/network/mainnet.cfg": "[general]\nid=0x1\n",
		"share/default.setup":     "net mainnet\n",
		"share/ca/node.dcert":     "cert",
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected tree %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestProvisionWithoutScratchKeepsLocalFiles(t *testing.T) {
	workDir := t.TempDir()
	testsupport.WriteTree(t, workDir, map[string]string{
		"etc/cellframe-node.cfg": "edited",
		"etc/local.cfg":          "mine",
		"var/lib/wallet":         "keep",
	})
	p := &provision.DirProvisioner{Bundle: bundle()}
	if err := p.Provision(context.Background(), workDir, false); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	got := testsupport.ReadTree(t, workDir)
	if got["etc/cellframe-node.cfg"] != "[general]\nauto_online=true\n" {
		t.Fatalf("expected bundle file to overwrite, got %q", got["etc/cellframe-node.cfg"])
	}
	if got["etc/local.cfg"] != "mine" || got["var/lib/wallet"] != "keep" {
		t.Fatalf("expected local files to survive, got %v", got)
	}
}

func TestProvisionFromScratchTwiceLeavesOnlyFreshAssets(t *testing.T) {
	workDir := t.TempDir()
	p := &provision.DirProvisioner{Bundle: bundle()}
	ctx := context.Background()

	if err := p.Provision(ctx, workDir, true); err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	testsupport.WriteTree(t, workDir, map[string]string{
		"etc/stale.cfg":      "stale",
		"share/old/leftover": "stale",
		"var/lib/node.db":    "state",
	})
	if err := p.Provision(ctx, workDir, true); err != nil {
		t.Fatalf("second Provision: %v", err)
	}

	got := testsupport.ReadTree(t, workDir)
	if _, ok := got["etc/stale.cfg"]; ok {
		t.Fatal("stale etc file survived from-scratch provisioning")
	}
	if _, ok := got["share/old/leftover"]; ok {
		t.Fatal("stale share file survived from-scratch provisioning")
	}
	if got["var/lib/node.db"] != "state" {
		t.Fatal("from-scratch provisioning must only reset etc and share")
	}
	if len(got) != 5 {
		t.Fatalf("unexpected tree after second run: %v", got)
	}
}

func TestProvisionRequiresBundleTrees(t *testing.T) {
	p := &provision.DirProvisioner{Bundle: fstest.MapFS{"etc/a.cfg": {Data: []byte("a")}}}
	err := p.Provision(context.Background(), t.TempDir(), true)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing share error, got %v", err)
	}
}

func TestProvisionHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &provision.DirProvisioner{Bundle: bundle()}
	if err := p.Provision(ctx, t.TempDir(), false); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewDirProvisionerReadsDirectory(t *testing.T) {
	bundleDir := t.TempDir()
	testsupport.WriteTree(t, bundleDir, map[string]string{
		"etc/node.cfg":        "cfg",
		"share/default.setup": "setup",
	})
	p, err := provision.NewDirProvisioner(bundleDir)
	if err != nil {
		t.Fatalf("NewDirProvisioner: %v", err)
	}
	workDir := t.TempDir()
	if err := p.Provision(context.Background(), workDir, true); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if got := testsupport.ReadTree(t, workDir); got["share/default.setup"] != "setup" {
		t.Fatalf("unexpected tree %v", got)
	}
	if _, err := provision.NewDirProvisioner(" "); err == nil {
		t.Fatal("expected error for empty bundle dir")
	}
}
