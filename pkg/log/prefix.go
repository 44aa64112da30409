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

package log

type prefixLogger struct {
	logger Logger
	prefix string
}

func (pl *prefixLogger) Debugf(format string, v ...any) {
	pl.logger.Debugf(pl.prefix+format, v...)
}

func (pl *prefixLogger) Infof(format string, v ...any) {
	pl.logger.Infof(pl.prefix+format, v...)
}

func (pl *prefixLogger) Warningf(format string, v ...any) {
	pl.logger.Warningf(pl.prefix+format, v...)
}

func (pl *prefixLogger) Errorf(format string, v ...any) {
	pl.logger.Errorf(pl.prefix+format, v...)
}

func (pl *prefixLogger) IsLogging(level Level) bool {
	return pl.logger.IsLogging(level)
}

type globalPrefixLogger struct {
	prefix string
}

func (gl *globalPrefixLogger) Debugf(format string, v ...any) {
	Log().Debugf(gl.prefix+format, v...)
}

func (gl *globalPrefixLogger) Infof(format string, v ...any) {
	Log().Infof(gl.prefix+format, v...)
}

func (gl *globalPrefixLogger) Warningf(format string, v ...any) {
	Log().Warningf(gl.prefix+format, v...)
}

func (gl *globalPrefixLogger) Errorf(format string, v ...any) {
	Log().Errorf(gl.prefix+format, v...)
}

func (gl *globalPrefixLogger) IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// BasicPrefixLogger returns a Logger that prepends the prefix to every
// statement logged to the global logger. The global logger is resolved
// at call time, so the result is safe to store before SetTarget.
func BasicPrefixLogger(prefix string) Logger {
	return &globalPrefixLogger{prefix: prefix}
}

// PrefixLogger returns a Logger that prepends the prefix to every statement
// logged through it.
func PrefixLogger(logger Logger, prefix string) Logger {
	return &prefixLogger{logger: logger, prefix: prefix}
}
