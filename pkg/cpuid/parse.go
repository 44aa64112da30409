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

package cpuid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Constants for parsing /proc/cpuinfo.
const (
	processorKey = "processor"
	vendorIDKey  = "vendor_id"
	cpuFamilyKey = "cpu family"
	modelKey     = "model"
	steppingKey  = "stepping"
	flagsKey     = "flags"
	bugsKey      = "bugs"

	// hypervisorFlag appears in the flags line when running as a guest.
	hypervisorFlag = "hypervisor"
)

// ParseCPUInfo builds a FeatureSet from the contents of /proc/cpuinfo.
//
// Only the first processor entry is consulted; mitigation selection is a
// boot-CPU decision and all packages report identical flags and bugs.
// ArchCaps and the memory layout fields cannot be derived from cpuinfo and
// are left zero; callers with MSR access fill them in separately.
func ParseCPUInfo(data string) (*FeatureSet, error) {
	// Each processor entry starts with the processor key. Cut the input
	// down to the first entry.
	r := buildRegex(processorKey)
	indices := r.FindAllStringIndex(data, 2)
	if len(indices) < 1 {
		return nil, fmt.Errorf("no cpus found for: %q", data)
	}
	end := len(data)
	if len(indices) > 1 {
		end = indices[1][0]
	}
	entry := data[indices[0][0]:end]

	vendorID, err := parseRegex(entry, vendorIDKey)
	if err != nil {
		return nil, err
	}
	family, err := parseIntegerResult(entry, cpuFamilyKey)
	if err != nil {
		return nil, err
	}
	model, err := parseIntegerResult(entry, modelKey)
	if err != nil {
		return nil, err
	}
	// Stepping is absent on some exotic parts; default zero.
	stepping, err := parseIntegerResult(entry, steppingKey)
	if err != nil {
		stepping = 0
	}

	fs := &FeatureSet{
		Set:        make(map[Feature]bool),
		Bugs:       make(map[Bug]bool),
		VendorID:   vendorID,
		Family:     uint8(family),
		Model:      uint8(model),
		SteppingID: uint8(stepping),
	}

	flags, err := parseRegex(entry, flagsKey)
	if err != nil {
		return nil, err
	}
	for _, f := range strings.Fields(flags) {
		if f == hypervisorFlag {
			fs.Hypervisor = true
			continue
		}
		fs.Set[Feature(f)] = true
	}

	// The bugs line is absent on kernels predating the vulnerability
	// reporting work; treat that as "no known bugs".
	if bugs, err := parseRegex(entry, bugsKey); err == nil {
		for _, b := range strings.Fields(bugs) {
			fs.Bugs[Bug(b)] = true
		}
	}

	return fs, nil
}

// parseIntegerResult parses fields expecting an integer.
func parseIntegerResult(data, key string) (int64, error) {
	result, err := parseRegex(data, key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(result, 0, 64)
}

// buildRegex builds a regex for parsing each CPU field.
func buildRegex(key string) *regexp.Regexp {
	reg := fmt.Sprintf(`(?m)^%s\s*:\s*(.*)$`, key)
	return regexp.MustCompile(reg)
}

// parseRegex parses data with key inserted into a standard regex template.
func parseRegex(data, key string) (string, error) {
	r := buildRegex(key)
	matches := r.FindStringSubmatch(data)
	if len(matches) < 2 {
		return "", fmt.Errorf("failed to match key %q: %q", key, data)
	}
	return matches[1], nil
}
