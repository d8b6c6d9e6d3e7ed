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
	"fmt"

	"go.chromium.org/luci/common/errors"
)

// Step is a stage of a remote session.
type Step string

const (
	StepConnect Step = "connect"
	StepMkdir   Step = "mkdir"
	StepUpload  Step = "upload"
	StepRun     Step = "run"
	StepCleanup Step = "cleanup"
)

// ErrRemoteTimeout is wrapped by errors of drivers that ran out of time.
var ErrRemoteTimeout = errors.New("remote command timed out")

// RemoteSessionError is a failure of a single step of a remote session.
type RemoteSessionError struct {
	Host string
	Step Step
	Err  error
}

func (e *RemoteSessionError) Error() string {
	return fmt.Sprintf("%s: %s failed: %s", e.Host, e.Step, e.Err)
}

func (e *RemoteSessionError) Unwrap() error {
	return e.Err
}

// Timeout is true if the driver didn't finish in time.
func (e *RemoteSessionError) Timeout() bool {
	return errors.Is(e.Err, ErrRemoteTimeout)
}
