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
	"bytes"
	"context"
	"io"
	"regexp"
	"strings"

	"go.chromium.org/luci/common/errors"

	"go.openmdao.org/remotetest/hostset"
)

// Client runs shell commands on a connected host.
type Client interface {
	// Run runs `cmd` through the remote shell.
	//
	// `stdin` (may be nil) is fed to the command. Stdout and stderr are both
	// written to `out` (may be nil).
	//
	// Returns the exit code if the command ran to completion, regardless of
	// its value. Returns an error if the command could not be started, the
	// connection broke, or `ctx` expired while it was running.
	Run(ctx context.Context, cmd string, stdin io.Reader, out io.Writer) (exitCode int, err error)

	// Close closes the connection.
	Close() error
}

// Dialer connects to hosts.
type Dialer interface {
	// Dial opens a connection to the host.
	Dial(ctx context.Context, host *hostset.Host) (Client, error)
}

// runChecked runs a command that is expected to succeed.
func runChecked(ctx context.Context, c Client, cmd string, stdin io.Reader) error {
	var out bytes.Buffer
	code, err := c.Run(ctx, cmd, stdin, &out)
	if err != nil {
		return err
	}
	if code != 0 {
		return errors.Reason("%q exited with code %d: %s", cmd, code, strings.TrimSpace(out.String())).Err()
	}
	return nil
}

var safeShellWord = regexp.MustCompile(`^[a-zA-Z0-9_./=:@%+,-]+$`)

// shellQuote quotes a word for a POSIX shell.
func shellQuote(s string) string {
	if safeShellWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellJoin quotes and joins words into a command line.
func shellJoin(words ...string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = shellQuote(w)
	}
	return strings.Join(quoted, " ")
}
