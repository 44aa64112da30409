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

package mitigate

import (
	"fmt"

	"specctrl.dev/specctrl/pkg/cpuid"
	"specctrl.dev/specctrl/pkg/log"
)

// SpectreV1Mode is the Spectre v1 choice.
type SpectreV1Mode int

const (
	// SpectreV1None leaves Spectre v1 unmitigated.
	SpectreV1None SpectreV1Mode = iota
	// SpectreV1Auto applies usercopy and swapgs barriers.
	SpectreV1Auto
)

// String returns the status string for the mode.
func (m SpectreV1Mode) String() string {
	switch m {
	case SpectreV1None:
		return "Vulnerable: Load fences, __user pointer sanitization and usercopy barriers only; no swapgs barriers"
	case SpectreV1Auto:
		return "Mitigation: Load fences, usercopy/swapgs barriers and __user pointer sanitization"
	default:
		panic(fmt.Sprintf("unknown spectre v1 mode %d", int(m)))
	}
}

var v1Log = log.BasicPrefixLogger("Spectre V1 : ")

// smapWorks reports whether SMAP can be relied on to block user-controlled
// kernel dereferences. Meltdown-affected parts speculate past SMAP.
func (m *Machine) smapWorks() bool {
	return m.facts.HasFeature(cpuid.FeatureSMAP) && !m.facts.HasBug(cpuid.BugMeltdown)
}

func (m *Machine) selectSpectreV1() {
	if !m.affected(KindSpectreV1) || m.over.Off() {
		m.spectreV1 = SpectreV1None
		return
	}

	mode := SpectreV1Auto
	if m.over.SpectreV1Off {
		mode = SpectreV1None
	}

	if mode == SpectreV1Auto {
		// With SMAP unavailable or unreliable, the swapgs path needs
		// serializing barriers. The user entry barrier is only needed
		// when a swapgs-speculating part can enter with a user GS.
		if !m.smapWorks() {
			if m.facts.HasBug(cpuid.BugSwapgs) {
				m.force(cpuid.FeatureFenceSwapgsUser)
			}
			m.force(cpuid.FeatureFenceSwapgsKernel)
		}
	}

	m.spectreV1 = mode
	v1Log.Infof("%s", mode)
}
