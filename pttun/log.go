/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package pttun

import (
	"io"
	go_log "log"
	"os"

	"github.com/Psiphon-Labs/pttun/pttun/common"
	"github.com/Psiphon-Labs/pttun/pttun/common/errors"
	"github.com/Psiphon-Labs/pttun/pttun/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds context logging functionality to the underlying
// logging packages.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the underlying logging
// package.
type LogFields logrus.Fields

// WithTrace adds a "trace" field containing the caller's function name and
// source file line number. Use this function when the log has no fields.
func (logger *ContextLogger) WithTrace() common.LogTrace {
	return logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function
// name and source file line number. Use this function when the log has
// fields. Note that any existing "trace" field will be renamed to
// "fields.trace".
func (logger *ContextLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrus.Fields(fields))
}

var log = &ContextLogger{
	&logrus.Logger{
		Out:       os.Stderr,
		Formatter: &logrus.TextFormatter{},
		Level:     logrus.InfoLevel,
	},
}

// Logger returns the package logger, which implements common.Logger and
// may be passed to packages that log without importing pttun.
func Logger() common.Logger {
	return log
}

// InitLogging configures the package logger according to the specified
// level and output. If not called, the defaults set by the package init
// are used.
// Concurrency note: should only be called from the main goroutine.
func InitLogging(logLevel string, logWriter io.Writer) error {

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return errors.Trace(err)
	}

	if logWriter == nil {
		logWriter = os.Stderr
	}

	log = &ContextLogger{
		&logrus.Logger{
			Out:       logWriter,
			Formatter: &logrus.TextFormatter{},
			Level:     level,
		},
	}

	return nil
}

func init() {

	// Suppress standard "log" package logging performed by other packages.
	go_log.SetOutput(io.Discard)
}
