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
	"bytes"
	"testing"
)

func TestLogTargetRouting(t *testing.T) {
	var buf bytes.Buffer
	prev:=SetLogTarget(&buf)
	defer SetLogTarget(prev)
	LogPrintf("stack %d frames\n", 7)
	LogPrintln("done")
	if got:=buf.String(); got!="stack 7 frames\ndone\n" {
		t.Errorf("log output %q", got)
	}
}

func TestTeeLogTarget(t *testing.T) {
	var main, job bytes.Buffer
	prev:=SetLogTarget(&main)
	defer SetLogTarget(prev)
	restore:=TeeLogTarget(&job)
	LogPrintf("a")
	restore()
	LogPrintf("b")
	if main.String()!="ab" {
		t.Errorf("main log %q want %q", main.String(), "ab")
	}
	if job.String()!="a" {
		t.Errorf("tee log %q want %q", job.String(), "a")
	}
}

func TestParallelism(t *testing.T) {
	if n:=Parallelism(); n<1 {
		t.Errorf("Parallelism()=%d want at least 1", n)
	}
}
