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

// Package smt tracks simultaneous multi-threading topology on behalf of
// the mitigation engine.
//
// The engine asks two things of a Topology: whether sibling hyperthreads
// are currently running, and to stop running them. Disable requests are
// advisory and idempotent; SMT may already be off for an unrelated
// reason. Interested parties (the engine's effect applier) register a
// notifier that fires on every topology change.
package smt

import (
	"specctrl.dev/specctrl/pkg/log"
	"specctrl.dev/specctrl/pkg/sync"
)

// Topology is the scheduler-side collaborator.
type Topology interface {
	// Active returns true while sibling hyperthreads are online.
	Active() bool

	// Disable requests that SMT be switched off. A best-effort request
	// (force=false) may be refused by a topology that cannot offline
	// siblings; force=true must stick. Repeated requests are no-ops.
	Disable(force bool)

	// Notify registers fn to run after every externally driven topology
	// change (hotplug). Engine-requested disables do not fire it. fn may
	// be invoked concurrently with itself.
	Notify(fn func())
}

// State is an in-memory Topology.
//
// It backs tests and dry runs, and doubles as the change-notification hub
// for real topologies that embed it.
type State struct {
	mu        sync.Mutex
	active    bool
	disabled  bool
	forced    bool
	notifiers []func()
}

// NewState returns a State with the given initial SMT activity.
func NewState(active bool) *State {
	return &State{active: active}
}

// Active implements Topology.Active.
func (s *State) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Disable implements Topology.Disable.
func (s *State) Disable(force bool) {
	s.mu.Lock()
	if s.disabled {
		// Upgrade to forced silently; the diagnostic was already given.
		s.forced = s.forced || force
		s.mu.Unlock()
		return
	}
	s.disabled = true
	s.forced = force
	s.active = false
	s.mu.Unlock()

	// No notifier run here. Disable requests come from the engine, which
	// re-evaluates the topology itself once selection finishes; notifiers
	// are for external hotplug events.
	log.Infof("SMT: disabled by mitigation request (force=%t)", force)
}

// SetActive flips the SMT activity, as a CPU hotplug event would, and
// runs the notifiers. Re-activation is refused while a forced disable is
// in effect.
func (s *State) SetActive(active bool) {
	s.mu.Lock()
	if active && s.forced {
		s.mu.Unlock()
		log.Warningf("SMT: enable refused, disabled by forced mitigation")
		return
	}
	if active {
		// A best-effort disable does not survive an explicit enable.
		s.disabled = false
	}
	if s.active == active {
		s.mu.Unlock()
		return
	}
	s.active = active
	s.mu.Unlock()
	s.changed()
}

// Notify implements Topology.Notify.
func (s *State) Notify(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, fn)
}

func (s *State) changed() {
	s.mu.Lock()
	fns := make([]func(), len(s.notifiers))
	copy(fns, s.notifiers)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
