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
	"os"

	"github.com/google/subcommands"
	"specctrl.dev/specctrl/pkg/log"
)

// Select implements subcommands.Command for the "select" command.
type Select struct {
	machineFlags
}

// Name implements subcommands.Command.Name.
func (*Select) Name() string {
	return "select"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Select) Synopsis() string {
	return "select runs mitigation selection for the machine and prints the outcome"
}

// Usage implements subcommands.Command.Usage.
func (*Select) Usage() string {
	return `select [flags]

select reads the CPU snapshot and the boot parameter overrides, runs the
full mitigation selection pass, and prints the resulting status line for
every tracked vulnerability. With -dryrun=false, SMT disable requests
offline sibling hyperthreads through sysfs.

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Select) SetFlags(f *flag.FlagSet) {
	s.machineFlags.set(f)
}

// Execute implements subcommands.Command.Execute.
func (s *Select) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	m, err := s.build()
	if err != nil {
		log.Errorf("select failed: %v", err)
		return subcommands.ExitFailure
	}
	m.SelectAll()
	printReport(m, os.Stdout)
	return subcommands.ExitSuccess
}
