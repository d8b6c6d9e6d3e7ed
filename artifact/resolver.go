// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/filesystem"

	"go.openmdao.org/remotetest/internal/cleanup"
)

// Mode is what kind of testing the artifact is resolved for.
type Mode int

const (
	// Branch mode tests a development branch: a tarball, a directory or a git
	// repository. An empty reference means the current git checkout.
	Branch Mode = iota
	// Release mode tests a release: a release directory or a release script
	// given as a local path or a URL.
	Release
)

// Resolver resolves artifact references.
type Resolver struct {
	// Mode restricts what kinds of artifacts are accepted.
	Mode Mode
	// WorkDir is where the current git checkout is looked up when the
	// reference is empty. Defaults to the current directory.
	WorkDir string
	// KeepDerived, if set, places the tarball built from the current checkout
	// into WorkDir and keeps it after the run.
	KeepDerived bool
}

// Resolve resolves a reference into an artifact Spec.
//
// If `ref` is empty (Branch mode only), a tarball of HEAD of the current git
// checkout is built. Unless KeepDerived is set, it is created in a temporary
// directory registered in `reg`, so it is removed when the registry is
// released.
//
// Returns an error wrapping ErrInvalidArtifactReference if the reference is
// not acceptable for the mode.
func (r *Resolver) Resolve(ctx context.Context, ref, branch string, reg *cleanup.Registry) (*Spec, error) {
	if ref == "" {
		if r.Mode != Branch {
			return nil, errors.Annotate(ErrInvalidArtifactReference,
				"you must supply a release directory or the pathname or URL of a %s file", ReleaseScript).Err()
		}
		return r.deriveFromCheckout(ctx, branch, reg)
	}

	kind, loc, err := Classify(ref)
	if err != nil {
		return nil, err
	}
	if err := r.check(kind, loc); err != nil {
		return nil, err
	}
	spec := &Spec{Kind: kind, Location: loc, Branch: branch}
	logging.Debugf(ctx, "Resolved %q to %s", ref, spec)
	return spec, nil
}

// check verifies the kind of artifact is acceptable for the mode.
func (r *Resolver) check(kind Kind, loc string) error {
	isScript := strings.HasSuffix(loc, ReleaseScriptSuffix)
	switch r.Mode {
	case Branch:
		switch {
		case kind == LocalFile && isTarball(loc), kind == LocalDirectory, kind == GitURL:
			return nil
		}
		return errors.Annotate(ErrInvalidArtifactReference,
			"%q: filename must end in '.tar.gz', '.tar', or '.git', or be a source directory", loc).Err()
	case Release:
		switch {
		case kind == ReleaseDirectory, (kind == LocalFile || kind == HTTPURL) && isScript:
			return nil
		}
		return errors.Annotate(ErrInvalidArtifactReference,
			"%q: filename must be a release directory or a pathname or URL of a %s file", loc, ReleaseScript).Err()
	default:
		return errors.Reason("unknown mode %d", r.Mode).Err()
	}
}

// deriveFromCheckout builds a tarball from HEAD of the current checkout.
func (r *Resolver) deriveFromCheckout(ctx context.Context, branch string, reg *cleanup.Registry) (*Spec, error) {
	workDir := r.WorkDir
	if workDir == "" {
		var err error
		if workDir, err = os.Getwd(); err != nil {
			return nil, errors.Annotate(err, "getting current directory").Err()
		}
	}

	var out string
	if r.KeepDerived {
		out = filepath.Join(workDir, ArchiveName)
		// Clean up the tarball left by a previous run.
		if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
			return nil, errors.Annotate(err, "removing stale %q", out).Err()
		}
	} else {
		tmp, err := os.MkdirTemp("", "remotetest-")
		if err != nil {
			return nil, errors.Annotate(err, "creating temp directory").Err()
		}
		reg.Register("local archive "+tmp, func(ctx context.Context) error {
			logging.Debugf(ctx, "Removing %s", tmp)
			return filesystem.RemoveAll(tmp)
		})
		out = filepath.Join(tmp, ArchiveName)
	}

	logging.Infof(ctx, "Creating tar file of the current branch: %s", out)
	info, err := writeGitArchive(ctx, workDir, out)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(out); err == nil {
		logging.Infof(ctx, "Archived %d files of %s (branch %q): %s",
			info.files, info.commit, info.branch, humanize.Bytes(uint64(fi.Size())))
	}

	return &Spec{
		Kind:     LocalFile,
		Location: out,
		Branch:   branch,
		Derived:  true,
	}, nil
}
