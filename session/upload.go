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

package session

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// uploadFile streams a local file into `remotePath`.
func uploadFile(ctx context.Context, c Client, local, remotePath string) error {
	f, err := os.Open(local)
	if err != nil {
		return errors.Annotate(err, "opening %q", local).Err()
	}
	defer f.Close()
	if fi, err := f.Stat(); err == nil {
		logging.Debugf(ctx, "Uploading %s (%s) to %s", local, humanize.Bytes(uint64(fi.Size())), remotePath)
	}
	if err := runChecked(ctx, c, "cat > "+shellQuote(remotePath), f); err != nil {
		return errors.Annotate(err, "uploading %q", local).Err()
	}
	return nil
}

// uploadDir streams a local directory tree into `remoteDir`.
//
// The tree lands in `remoteDir/<basename of local>`.
func uploadDir(ctx context.Context, c Client, local, remoteDir string) error {
	pr, pw := io.Pipe()
	cw := &countingWriter{w: pw}
	go func() {
		pw.CloseWithError(writeTree(ctx, cw, local))
	}()
	// Unblocks the writer if the remote side stops reading early.
	defer pr.Close()

	logging.Debugf(ctx, "Uploading directory %s to %s", local, remoteDir)
	cmd := "tar -xzf - -C " + shellQuote(remoteDir)
	if err := runChecked(ctx, c, cmd, pr); err != nil {
		return errors.Annotate(err, "uploading directory %q", local).Err()
	}
	logging.Debugf(ctx, "Uploaded %s compressed", humanize.Bytes(uint64(cw.n)))
	return nil
}

// writeTree writes a gzipped tarball of `root` to `w`.
//
// Entry names are prefixed with the base name of `root`.
func writeTree(ctx context.Context, w io.Writer, root string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	prefix := filepath.Base(root)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		hdr.Name = path.Join(prefix, filepath.ToSlash(rel))
		if d.IsDir() {
			hdr.Name += "/"
		}
		// Local ownership means nothing on the remote side.
		hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return errors.Annotate(err, "archiving %q", root).Err()
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
