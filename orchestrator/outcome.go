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

package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.openmdao.org/remotetest/session"
)

// Outcome is the result of a run on all hosts.
type Outcome struct {
	// ReturnCode is 0 if every host succeeded, otherwise the return code of
	// the first failed host.
	ReturnCode int
	// Results has one entry per host.
	Results []*session.Result
}

// NewOutcome aggregates per-host results, kept in the given order.
func NewOutcome(results []*session.Result) *Outcome {
	out := &Outcome{Results: results}
	for _, r := range results {
		if r.Succeeded {
			continue
		}
		out.ReturnCode = r.ReturnCode
		if out.ReturnCode == 0 {
			out.ReturnCode = session.InfraFailureCode
		}
		break
	}
	return out
}

// Failed returns results of hosts that failed.
func (o *Outcome) Failed() []*session.Result {
	var failed []*session.Result
	for _, r := range o.Results {
		if !r.Succeeded {
			failed = append(failed, r)
		}
	}
	return failed
}

// Report writes a human readable summary.
//
// If `withOutput` is set, the driver output of every host is written first.
func (o *Outcome) Report(w io.Writer, withOutput bool) error {
	var sb strings.Builder
	if withOutput {
		for _, r := range o.Results {
			if r.Output == "" {
				continue
			}
			fmt.Fprintf(&sb, "==== %s ====\n%s", r.Host, r.Output)
			if !strings.HasSuffix(r.Output, "\n") {
				sb.WriteString("\n")
			}
		}
	}
	for _, r := range o.Results {
		fmt.Fprintf(&sb, "%s: %s (%s)\n", r.Host, status(r), r.Duration.Round(time.Second))
	}
	failed := len(o.Failed())
	if failed == 0 {
		fmt.Fprintf(&sb, "all %d hosts succeeded\n", len(o.Results))
	} else {
		fmt.Fprintf(&sb, "%d of %d hosts failed\n", failed, len(o.Results))
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func status(r *session.Result) string {
	switch {
	case r.Succeeded:
		return "ok"
	case r.Err != nil:
		return r.Err.Error()
	default:
		return fmt.Sprintf("exit %d", r.ReturnCode)
	}
}
