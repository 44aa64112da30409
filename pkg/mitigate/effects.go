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

import "fmt"

// Effect is a shared, reference-counted runtime behavior. Several
// vulnerability choices can request the same effect; it stays active
// while at least one choice holds a reference.
type Effect int

const (
	// EffectUserClear clears CPU buffers on return to user space.
	EffectUserClear Effect = iota
	// EffectIdleClear clears CPU buffers before halting an idle
	// sibling.
	EffectIdleClear
	// EffectMMIOClear clears CPU buffers around MMIO access.
	EffectMMIOClear
	// EffectSSBDUserset allows per-task control of store bypass
	// disable.
	EffectSSBDUserset
	numEffects
)

// String returns the effect name used in diagnostics.
func (e Effect) String() string {
	switch e {
	case EffectUserClear:
		return "user_clear"
	case EffectIdleClear:
		return "idle_clear"
	case EffectMMIOClear:
		return "mmio_clear"
	case EffectSSBDUserset:
		return "ssbd_userset"
	default:
		panic(fmt.Sprintf("unknown effect %d", int(e)))
	}
}

// effectSource identifies one contributor to the shared counts. Each
// selector owns exactly one source, so re-running it replaces its prior
// contribution instead of stacking a new one.
type effectSource int

const (
	srcMDS effectSource = iota
	srcTAA
	srcMMIO
	srcMMIOIdle
	srcSSB
	srcSMTIdle
	numSources
)

// effects tracks the reference count per effect and the standing
// contribution per source. Guarded by Machine.mu.
type effects struct {
	counts [numEffects]int
	held   [numSources][numEffects]bool
}

// set replaces src's contribution with exactly the listed effects,
// adjusting counts by the difference. Calling with no effects releases
// everything the source held.
func (e *effects) set(src effectSource, want ...Effect) {
	var next [numEffects]bool
	for _, eff := range want {
		next[eff] = true
	}
	for eff := Effect(0); eff < numEffects; eff++ {
		switch {
		case next[eff] && !e.held[src][eff]:
			e.counts[eff]++
		case !next[eff] && e.held[src][eff]:
			e.counts[eff]--
			if e.counts[eff] < 0 {
				panic(fmt.Sprintf("effect %v count went negative", eff))
			}
		}
	}
	e.held[src] = next
}

func (e *effects) count(eff Effect) int {
	return e.counts[eff]
}

func (e *effects) enabled(eff Effect) bool {
	return e.counts[eff] > 0
}
