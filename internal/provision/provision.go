// Package provision populates the node working directory from an asset bundle.
//
// The bundle carries the node's default etc/ and share/ trees. Provisioning
// copies both into the working directory; a from-scratch run removes the
// existing trees first so nothing from an earlier provisioning survives.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Trees lists the bundle directories copied into the working directory.
var Trees = []string{"etc", "share"}

// Provisioner prepares a working directory for the node.
type Provisioner interface {
	Provision(ctx context.Context, workingDir string, fromScratch bool) error
}

// DirProvisioner copies Trees from Bundle.
type DirProvisioner struct {
	Bundle fs.FS
}

// NewDirProvisioner returns a provisioner reading from the bundle directory.
func NewDirProvisioner(bundleDir string) (*DirProvisioner, error) {
	bundleDir = strings.TrimSpace(bundleDir)
	if bundleDir == "" {
		return nil, errors.New("asset bundle directory required")
	}
	return &DirProvisioner{Bundle: os.DirFS(bundleDir)}, nil
}

// Provision copies the bundle trees into workingDir.
func (p *DirProvisioner) Provision(ctx context.Context, workingDir string, fromScratch bool) error {
	if p == nil || p.Bundle == nil {
		return errors.New("asset bundle not configured")
	}
	if strings.TrimSpace(workingDir) == "" {
		return errors.New("working directory required")
	}
	for _, tree := range Trees {
		if _, err := fs.Stat(p.Bundle, tree); err != nil {
			return fmt.Errorf("asset bundle missing %s: %w", tree, err)
		}
	}
	if fromScratch {
		for _, tree := range Trees {
			if err := os.RemoveAll(filepath.Join(workingDir, tree)); err != nil {
				return fmt.Errorf("remove %s: %w", tree, err)
			}
		}
	}
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	for _, tree := range Trees {
		if err := p.copyTree(ctx, tree, workingDir); err != nil {
			return fmt.Errorf("copy %s: %w", tree, err)
		}
	}
	return nil
}

func (p *DirProvisioner) copyTree(ctx context.Context, root, workingDir string) error {
	return fs.WalkDir(p.Bundle, root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(workingDir, filepath.FromSlash(path.Clean(name)))
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p.Bundle, name, target, info.Mode().Perm()|0o600)
	})
}

func copyFile(bundle fs.FS, name, target string, perm fs.FileMode) error {
	src, err := bundle.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return dst.Close()
}
