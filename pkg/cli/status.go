// Copyright 2024 The specctrl Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"specctrl.dev/specctrl/pkg/log"
	"specctrl.dev/specctrl/pkg/mitigate"
)

// Status implements subcommands.Command for the "status" command.
type Status struct {
	machineFlags

	// kind restricts the report to one vulnerability.
	kind string
}

// Name implements subcommands.Command.Name.
func (*Status) Name() string {
	return "status"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Status) Synopsis() string {
	return "status reports the selected mitigation per vulnerability"
}

// Usage implements subcommands.Command.Usage.
func (*Status) Usage() string {
	return `status [flags]

status runs selection against the CPU snapshot without touching the
system and prints the per-vulnerability status lines, in the format of
/sys/devices/system/cpu/vulnerabilities.

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Status) SetFlags(f *flag.FlagSet) {
	s.machineFlags.set(f)
	f.StringVar(&s.kind, "kind", "", "report a single vulnerability (e.g. mds, spectre_v2)")
}

// Execute implements subcommands.Command.Execute.
func (s *Status) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	// Status never changes the system.
	s.dryRun = true
	m, err := s.build()
	if err != nil {
		log.Errorf("status failed: %v", err)
		return subcommands.ExitFailure
	}
	m.SelectAll()

	if s.kind == "" {
		printReport(m, os.Stdout)
		return subcommands.ExitSuccess
	}
	for _, k := range mitigate.AllKinds {
		if k.String() == s.kind {
			fmt.Println(m.Report(k).Line)
			return subcommands.ExitSuccess
		}
	}
	log.Errorf("unknown vulnerability %q", s.kind)
	return subcommands.ExitUsageError
}
