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

package smt

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"specctrl.dev/specctrl/pkg/log"
)

const (
	cpuInfoPath   = "/proc/cpuinfo"
	cpuOnlinePath = "/sys/devices/system/cpu/cpu%d/online"
	processorKey  = "processor"
	physicalIDKey = "physical id"
	coreIDKey     = "core id"
)

// thread is one logical CPU. Threads with the same physical and core IDs
// are hyperthread pairs.
type thread struct {
	processor  int64
	physicalID int64
	coreID     int64
}

// Sysfs is a Topology over the real machine: it reads hyperthread pairs
// from /proc/cpuinfo and offlines sibling threads through
// /sys/devices/system/cpu/cpu{N}/online.
//
// Change notification still goes through the embedded State; a hotplug
// watcher (outside this package's scope) calls SetActive.
type Sysfs struct {
	State

	// DryRun logs the writes instead of performing them.
	DryRun bool
}

// NewSysfs probes the machine and returns a Sysfs topology.
func NewSysfs(dryRun bool) (*Sysfs, error) {
	data, err := os.ReadFile(cpuInfoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", cpuInfoPath, err)
	}
	return FromCPUInfo(string(data), dryRun)
}

// FromCPUInfo builds a Sysfs topology from /proc/cpuinfo-shaped data.
func FromCPUInfo(data string, dryRun bool) (*Sysfs, error) {
	threads, err := parseThreads(data)
	if err != nil {
		return nil, err
	}
	s := &Sysfs{DryRun: dryRun}
	s.State.active = len(siblings(threads)) > 0
	return s, nil
}

// Disable offlines the sibling of every hyperthread pair, keeping one
// thread per core online, then updates the embedded State.
func (s *Sysfs) Disable(force bool) {
	if s.State.Active() {
		data, err := os.ReadFile(cpuInfoPath)
		if err != nil {
			log.Errorf("SMT: disable failed reading %s: %v", cpuInfoPath, err)
			if !force {
				return
			}
		}
		threads, err := parseThreads(string(data))
		if err != nil {
			log.Errorf("SMT: disable failed: %v", err)
			if !force {
				return
			}
		}
		for _, t := range siblings(threads) {
			if err := s.offline(t); err != nil {
				log.Errorf("SMT: failed to offline cpu%d: %v", t.processor, err)
			}
		}
	}
	s.State.Disable(force)
}

func (s *Sysfs) offline(t thread) error {
	path := fmt.Sprintf(cpuOnlinePath, t.processor)
	if s.DryRun {
		log.Infof("SMT: dry run, would write 0 to %s", path)
		return nil
	}
	return os.WriteFile(path, []byte{'0'}, 0644)
}

// siblings returns, for every core with more than one thread, all threads
// beyond the first.
func siblings(threads []thread) []thread {
	type core struct{ physicalID, coreID int64 }
	seen := make(map[core]bool)
	var extra []thread
	for _, t := range threads {
		c := core{t.physicalID, t.coreID}
		if seen[c] {
			extra = append(extra, t)
			continue
		}
		seen[c] = true
	}
	return extra
}

// parseThreads extracts one thread per processor entry in cpuinfo data.
func parseThreads(data string) ([]thread, error) {
	r := keyRegex(processorKey)
	indices := r.FindAllStringIndex(data, -1)
	if len(indices) < 1 {
		return nil, fmt.Errorf("no cpus found for: %q", data)
	}
	indices = append(indices, []int{len(data), -1})

	var threads []thread
	for i := 1; i < len(indices); i++ {
		entry := data[indices[i-1][0]:indices[i][0]]
		processor, err := parseInt(entry, processorKey)
		if err != nil {
			return nil, err
		}
		physicalID, err := parseInt(entry, physicalIDKey)
		if err != nil {
			return nil, err
		}
		coreID, err := parseInt(entry, coreIDKey)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread{
			processor:  processor,
			physicalID: physicalID,
			coreID:     coreID,
		})
	}
	return threads, nil
}

func parseInt(data, key string) (int64, error) {
	matches := keyRegex(key).FindStringSubmatch(data)
	if len(matches) < 2 {
		return 0, fmt.Errorf("failed to match key %q: %q", key, data)
	}
	return strconv.ParseInt(matches[1], 0, 64)
}

func keyRegex(key string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?m)^%s\s*:\s*(\d+)\s*$`, key))
}
