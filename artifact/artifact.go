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

// Package artifact turns a user supplied reference (a tarball, a directory,
// a git URL, a release directory or a release script) into something that can
// be pushed to a remote host.
package artifact

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"

	"go.chromium.org/luci/common/errors"
)

// Kind is a shape of an artifact.
type Kind int

const (
	// LocalFile is a tarball or a release script on the local disk.
	LocalFile Kind = iota + 1
	// LocalDirectory is a local directory uploaded as is.
	LocalDirectory
	// GitURL is a git repository the remote side clones itself.
	GitURL
	// HTTPURL is a file the remote side downloads itself.
	HTTPURL
	// ReleaseDirectory is a local directory with "dists" and "downloads".
	ReleaseDirectory
)

func (k Kind) String() string {
	switch k {
	case LocalFile:
		return "LocalFile"
	case LocalDirectory:
		return "LocalDirectory"
	case GitURL:
		return "GitURL"
	case HTTPURL:
		return "HTTPURL"
	case ReleaseDirectory:
		return "ReleaseDirectory"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ReleaseScript is the name of the installer script of a release.
const ReleaseScript = "go-openmdao.py"

// ReleaseScriptSuffix is what references to release scripts end with.
const ReleaseScriptSuffix = ".py"

// releaseScriptPath is where the installer lives inside a release directory.
var releaseScriptPath = path.Join("downloads", "latest", ReleaseScript)

// ErrInvalidArtifactReference is returned when a reference has an unknown
// shape.
var ErrInvalidArtifactReference = errors.New("invalid artifact reference")

// Spec is a resolved artifact.
//
// Spec is immutable and safe to share between concurrent sessions.
type Spec struct {
	// Kind is the shape of the artifact.
	Kind Kind
	// Location is an absolute local path or a URL.
	Location string
	// Branch is the git branch to test, if any.
	Branch string
	// Derived is true if the artifact was built from the current working tree
	// and lives in a temporary directory.
	Derived bool
}

// IsLocal is true if the artifact has to be uploaded.
func (s *Spec) IsLocal() bool {
	switch s.Kind {
	case LocalFile, LocalDirectory, ReleaseDirectory:
		return true
	}
	return false
}

// IsDir is true if the artifact is a directory tree.
func (s *Spec) IsDir() bool {
	return s.Kind == LocalDirectory || s.Kind == ReleaseDirectory
}

// RemoteName is the name of the uploaded payload inside the remote directory.
//
// Empty for artifacts that are not uploaded.
func (s *Spec) RemoteName() string {
	if !s.IsLocal() {
		return ""
	}
	return filepath.Base(s.Location)
}

// Payload is the list of local paths to upload. Empty for URLs.
func (s *Spec) Payload() []string {
	if !s.IsLocal() {
		return nil
	}
	return []string{s.Location}
}

// RemoteFileArg is the value of the driver's "-f" argument.
func (s *Spec) RemoteFileArg() string {
	switch s.Kind {
	case ReleaseDirectory:
		return path.Join(s.RemoteName(), releaseScriptPath)
	case LocalFile, LocalDirectory:
		return s.RemoteName()
	default:
		return s.Location
	}
}

// String is used in logs.
func (s *Spec) String() string {
	if s.Branch != "" {
		return fmt.Sprintf("%s %s (branch %s)", s.Kind, s.Location, s.Branch)
	}
	return fmt.Sprintf("%s %s", s.Kind, s.Location)
}

// IsReleaseDir is true if `dir` is a directory with both "dists" and
// "downloads" entries.
func IsReleaseDir(dir string) bool {
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return false
	}
	for _, name := range []string{"dists", "downloads"} {
		if _, err := os.Lstat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// isURL is true for references the remote side fetches over HTTP(S).
func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// isRemoteGit is true for git://, ssh:// and similar URLs, and for the
// scp-like "[user@]host:path" syntax.
func isRemoteGit(ref string) bool {
	if strings.Contains(ref, "://") {
		return true
	}
	host, _, ok := strings.Cut(ref, ":")
	// "C:\repo.git" is a local path.
	return ok && len(host) > 1 && !strings.ContainsAny(host, `/\`)
}

// isTarball is true for names of supported tarballs.
func isTarball(name string) bool {
	return strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tar")
}

// Classify determines the kind of an artifact reference.
//
// It returns the normalized location: URLs lose their "#fragment" (download
// pages append "#md5=..."), local paths become absolute with "~" expanded.
//
// Local files and directories must exist. Returns an error wrapping
// ErrInvalidArtifactReference if the reference has an unknown shape.
func Classify(ref string) (Kind, string, error) {
	if ref == "" {
		return 0, "", errors.Annotate(ErrInvalidArtifactReference, "empty reference").Err()
	}

	if isURL(ref) {
		loc, _, _ := strings.Cut(ref, "#")
		if strings.HasSuffix(loc, ".git") {
			return GitURL, loc, nil
		}
		return HTTPURL, loc, nil
	}

	if strings.HasSuffix(ref, ".git") {
		// The remote side clones it, so local repositories need an absolute
		// path.
		if isRemoteGit(ref) {
			return GitURL, ref, nil
		}
		loc, err := absPath(ref)
		if err != nil {
			return 0, "", err
		}
		return GitURL, loc, nil
	}

	loc, err := absPath(ref)
	if err != nil {
		return 0, "", err
	}

	fi, statErr := os.Stat(loc)
	switch {
	case isTarball(loc) || strings.HasSuffix(loc, ReleaseScriptSuffix):
		if statErr != nil || !fi.Mode().IsRegular() {
			return 0, "", errors.Annotate(ErrInvalidArtifactReference, "can't find file %q", loc).Err()
		}
		return LocalFile, loc, nil
	case statErr == nil && fi.IsDir():
		if IsReleaseDir(loc) {
			return ReleaseDirectory, loc, nil
		}
		return LocalDirectory, loc, nil
	}
	return 0, "", errors.Annotate(ErrInvalidArtifactReference,
		"%q must be a directory or end in '.tar.gz', '.tar', '.git' or %q", ref, ReleaseScriptSuffix).Err()
}

// absPath expands "~" and makes the path absolute.
func absPath(p string) (string, error) {
	p, err := homedir.Expand(p)
	if err != nil {
		return "", errors.Annotate(err, "expanding %q", p).Err()
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", errors.Annotate(err, "resolving %q", p).Err()
	}
	return abs, nil
}
