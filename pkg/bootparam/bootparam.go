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

// Package bootparam provides the boot configuration source: a kernel
// command line lexed into flags and key=value options, and the typed
// per-vulnerability overrides resolved from it.
//
// Resolution happens exactly once, before any mitigation selection runs.
// Selectors consume the typed Overrides and never re-parse strings.
// Unknown tokens are not errors; they fall back to the automatic policy
// with a warning.
package bootparam

import (
	"strings"
)

// Line is a lexed boot command line.
type Line struct {
	flags map[string]bool
	opts  map[string]string
}

// ParseLine lexes a space-separated command line. Tokens of the form
// key=value become options; bare tokens become flags. Later duplicates
// win, matching kernel behavior.
func ParseLine(cmdline string) Line {
	l := Line{
		flags: make(map[string]bool),
		opts:  make(map[string]string),
	}
	for _, tok := range strings.Fields(cmdline) {
		if key, val, ok := strings.Cut(tok, "="); ok {
			l.opts[key] = val
		} else {
			l.flags[tok] = true
		}
	}
	return l
}

// Flag returns true when the bare flag appeared on the line.
func (l Line) Flag(name string) bool {
	return l.flags[name]
}

// Get returns the value of a key=value option.
func (l Line) Get(key string) (string, bool) {
	v, ok := l.opts[key]
	return v, ok
}
