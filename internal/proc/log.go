// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package proc

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var logTarget io.Writer = os.Stdout
var logMutex sync.Mutex

// SetLogTarget routes all subsequent log output to the given writer,
// e.g. to tee progress lines into a service job log. Returns the
// previous target so callers can restore it.
func SetLogTarget(w io.Writer) io.Writer {
	logMutex.Lock()
	defer logMutex.Unlock()
	prev:=logTarget
	logTarget=w
	return prev
}

// TeeLogTarget duplicates all log output into w until the returned
// restore function is called.
func TeeLogTarget(w io.Writer) (restore func()) {
	logMutex.Lock()
	defer logMutex.Unlock()
	prev:=logTarget
	logTarget=io.MultiWriter(prev, w)
	return func() { SetLogTarget(prev) }
}

// LogPrintf prints a formatted message to the current log target
func LogPrintf(format string, args ...interface{}) {
	logMutex.Lock()
	defer logMutex.Unlock()
	fmt.Fprintf(logTarget, format, args...)
}

// LogPrintln prints a message to the current log target, with newline
func LogPrintln(args ...interface{}) {
	logMutex.Lock()
	defer logMutex.Unlock()
	fmt.Fprintln(logTarget, args...)
}

// LogFatal prints a message and exits. Reserved for the command layer;
// library code returns errors instead.
func LogFatal(args ...interface{}) {
	LogPrintln(args...)
	os.Exit(2)
}

// LogFatalf prints a formatted message and exits
func LogFatalf(format string, args ...interface{}) {
	LogPrintf(format, args...)
	os.Exit(2)
}
