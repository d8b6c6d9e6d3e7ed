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
	"archive/tar"
	"context"
	"io"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/klauspost/compress/gzip"

	"go.chromium.org/luci/common/errors"
)

// ArchiveName is the name of the tarball built from the current branch.
const ArchiveName = "testbranch.tar.gz"

// archiveInfo describes a tarball produced by writeGitArchive.
type archiveInfo struct {
	branch string // empty for a detached HEAD
	commit string
	files  int
}

// writeGitArchive writes a gzipped tarball with the tree of HEAD of the git
// repository containing `dir`.
//
// Like `git archive HEAD`, only committed files are included, without any
// prefix. The working tree and the repository are not modified.
func writeGitArchive(ctx context.Context, dir, out string) (info archiveInfo, err error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return info, errors.Annotate(err, "opening git repository at %q", dir).Err()
	}
	head, err := repo.Head()
	if err != nil {
		return info, errors.Annotate(err, "resolving HEAD").Err()
	}
	if head.Name().IsBranch() {
		info.branch = head.Name().Short()
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return info, errors.Annotate(err, "loading commit %s", head.Hash()).Err()
	}
	info.commit = commit.Hash.String()
	tree, err := commit.Tree()
	if err != nil {
		return info, errors.Annotate(err, "loading tree of %s", commit.Hash).Err()
	}

	f, err := os.Create(out)
	if err != nil {
		return info, errors.Annotate(err, "creating archive").Err()
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Annotate(closeErr, "closing archive").Err()
		}
		if err != nil {
			_ = os.Remove(out)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	err = tree.Files().ForEach(func(file *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		info.files++
		return addToTar(tw, file, commit)
	})
	if err != nil {
		return info, errors.Annotate(err, "archiving tree").Err()
	}
	if err := tw.Close(); err != nil {
		return info, errors.Annotate(err, "finalizing tar").Err()
	}
	if err := gz.Close(); err != nil {
		return info, errors.Annotate(err, "finalizing gzip").Err()
	}
	return info, nil
}

// addToTar writes a single git blob to the tarball.
func addToTar(tw *tar.Writer, file *object.File, commit *object.Commit) error {
	hdr := &tar.Header{
		Name:    file.Name,
		ModTime: commit.Committer.When,
		Mode:    0644,
	}

	if file.Mode == filemode.Symlink {
		target, err := file.Contents()
		if err != nil {
			return errors.Annotate(err, "reading symlink %q", file.Name).Err()
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
		hdr.Mode = 0777
		return tw.WriteHeader(hdr)
	}

	if file.Mode == filemode.Executable {
		hdr.Mode = 0755
	}
	hdr.Typeflag = tar.TypeReg
	hdr.Size = file.Size
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Annotate(err, "writing header of %q", file.Name).Err()
	}
	r, err := file.Reader()
	if err != nil {
		return errors.Annotate(err, "reading %q", file.Name).Err()
	}
	defer r.Close()
	if _, err := io.Copy(tw, r); err != nil {
		return errors.Annotate(err, "archiving %q", file.Name).Err()
	}
	return nil
}
