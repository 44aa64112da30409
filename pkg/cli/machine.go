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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"specctrl.dev/specctrl/pkg/bootparam"
	"specctrl.dev/specctrl/pkg/cpuid"
	"specctrl.dev/specctrl/pkg/mitigate"
	"specctrl.dev/specctrl/pkg/msr"
	"specctrl.dev/specctrl/pkg/smt"
)

const (
	// cpuInfoPath is the default detection snapshot source.
	cpuInfoPath = "/proc/cpuinfo"
	// cmdlinePath is the default override source.
	cmdlinePath = "/proc/cmdline"
)

// machineFlags are the inputs shared by the select and status commands.
type machineFlags struct {
	// cpuinfo is the path to a /proc/cpuinfo-shaped snapshot.
	cpuinfo string
	// facts is the path to a JSON snapshot; takes precedence over
	// cpuinfo.
	facts string
	// cmdline is the boot parameter line; empty reads the live one.
	cmdline string
	// dryRun logs topology changes instead of performing them.
	dryRun bool
}

func (mf *machineFlags) set(f *flag.FlagSet) {
	f.StringVar(&mf.cpuinfo, "cpuinfo", cpuInfoPath, "path to a cpuinfo-formatted CPU snapshot")
	f.StringVar(&mf.facts, "facts", "", "path to a JSON CPU snapshot, overriding -cpuinfo")
	f.StringVar(&mf.cmdline, "cmdline", "", "boot parameters; reads "+cmdlinePath+" when empty")
	f.BoolVar(&mf.dryRun, "dryrun", true, "log CPU offlining instead of performing it")
}

// build assembles the machine from the flag inputs.
func (mf *machineFlags) build() (*mitigate.Machine, error) {
	facts, cpuinfoData, err := mf.loadFacts()
	if err != nil {
		return nil, err
	}

	cmdline := mf.cmdline
	if cmdline == "" {
		if data, err := os.ReadFile(cmdlinePath); err == nil {
			cmdline = strings.TrimSpace(string(data))
		}
	}
	over := bootparam.ResolveOverrides(bootparam.ParseLine(cmdline))

	var topo smt.Topology
	if cpuinfoData != "" {
		topo, err = smt.FromCPUInfo(cpuinfoData, mf.dryRun)
		if err != nil {
			return nil, fmt.Errorf("failed to build topology: %w", err)
		}
	} else {
		// A JSON snapshot carries no thread layout; assume siblings are
		// running so the report shows the conservative state.
		topo = smt.NewState(true)
	}

	// Register writes stay in memory. Real MSR programming needs ring 0;
	// the bank records what the engine would write.
	return mitigate.New(facts, over, &msr.Bank{}, topo), nil
}

// loadFacts reads the snapshot, returning the raw cpuinfo text too when
// that was the source.
func (mf *machineFlags) loadFacts() (*cpuid.FeatureSet, string, error) {
	if mf.facts != "" {
		data, err := os.ReadFile(mf.facts)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", mf.facts, err)
		}
		facts := &cpuid.FeatureSet{}
		if err := json.Unmarshal(data, facts); err != nil {
			return nil, "", fmt.Errorf("failed to parse %s: %w", mf.facts, err)
		}
		return facts.Fixed(), "", nil
	}

	data, err := os.ReadFile(mf.cpuinfo)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", mf.cpuinfo, err)
	}
	facts, err := cpuid.ParseCPUInfo(string(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse %s: %w", mf.cpuinfo, err)
	}
	return facts, string(data), nil
}

// printReport writes one status line per vulnerability.
func printReport(m *mitigate.Machine, w io.Writer) {
	for _, st := range m.ReportAll() {
		fmt.Fprintf(w, "%-22s %s\n", st.Kind.String()+":", st.Line)
	}
}
