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
	"errors"

	"specctrl.dev/specctrl/pkg/atomicbitops"
)

// SSBCtl is a per-task store bypass directive.
type SSBCtl int

// Per-task store bypass directives.
const (
	// SSBCtlEnable re-enables store bypass for the task.
	SSBCtlEnable SSBCtl = iota
	// SSBCtlDisable disables store bypass for the task.
	SSBCtlDisable
	// SSBCtlForceDisable disables store bypass and refuses later
	// enables.
	SSBCtlForceDisable
	// SSBCtlDisableNoexec disables store bypass until the task execs.
	SSBCtlDisableNoexec
)

// Errors returned by the per-task control surface.
var (
	// ErrNotAvailable means the boot-selected mode does not allow task
	// control.
	ErrNotAvailable = errors.New("per-task speculation control not available")
	// ErrPermission means a force-disabled task tried to re-enable.
	ErrPermission = errors.New("speculation force disabled for task")
)

// Task tracks the per-task store bypass flags. The zero value has store
// bypass enabled.
type task struct {
	disabled      atomicbitops.Bool
	forceDisabled atomicbitops.Bool
	noexec        atomicbitops.Bool
}

// Task is an opaque per-task handle.
type Task struct {
	t task
}

// NewTask returns a task with store bypass enabled.
func NewTask() *Task {
	return &Task{}
}

// SSBSet applies a store bypass directive to the task. Only valid when
// the boot-selected mode allows task control.
func (m *Machine) SSBSet(t *Task, ctl SSBCtl) error {
	m.mu.Lock()
	mode := m.ssb
	m.mu.Unlock()
	if !mode.taskControllable() {
		return ErrNotAvailable
	}

	switch ctl {
	case SSBCtlEnable:
		if t.t.forceDisabled.Load() {
			return ErrPermission
		}
		t.t.disabled.Store(false)
		t.t.noexec.Store(false)
	case SSBCtlDisable:
		t.t.disabled.Store(true)
		t.t.noexec.Store(false)
	case SSBCtlForceDisable:
		t.t.disabled.Store(true)
		t.t.forceDisabled.Store(true)
		t.t.noexec.Store(false)
	case SSBCtlDisableNoexec:
		if t.t.forceDisabled.Load() {
			return ErrPermission
		}
		t.t.disabled.Store(true)
		t.t.noexec.Store(true)
	default:
		return ErrNotAvailable
	}
	return nil
}

// SSBGet returns the task's current store bypass status line.
func (m *Machine) SSBGet(t *Task) string {
	m.mu.Lock()
	mode := m.ssb
	m.mu.Unlock()

	switch mode {
	case SSBDisable:
		return "thread force mitigated"
	case SSBNone:
		return "thread vulnerable"
	}
	switch {
	case t.t.forceDisabled.Load():
		return "thread force mitigated"
	case t.t.disabled.Load():
		return "thread mitigated"
	default:
		return "thread vulnerable"
	}
}

// SeccompMitigate is the seccomp filter attach hook. In seccomp mode it
// force-disables store bypass for the task.
func (m *Machine) SeccompMitigate(t *Task) {
	m.mu.Lock()
	mode := m.ssb
	m.mu.Unlock()
	if mode != SSBSeccomp {
		return
	}
	t.t.disabled.Store(true)
	t.t.forceDisabled.Store(true)
	t.t.noexec.Store(false)
}

// Exec clears the exec-scoped disable.
func (t *Task) Exec() {
	if t.t.noexec.Load() && !t.t.forceDisabled.Load() {
		t.t.disabled.Store(false)
		t.t.noexec.Store(false)
	}
}

// SSBDisabled reports whether store bypass is disabled for the task under
// the machine's selected mode.
func (m *Machine) SSBDisabled(t *Task) bool {
	m.mu.Lock()
	mode := m.ssb
	m.mu.Unlock()
	switch mode {
	case SSBDisable:
		return true
	case SSBPrctl, SSBSeccomp:
		return t.t.disabled.Load()
	default:
		return false
	}
}
