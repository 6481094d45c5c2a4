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

package fits

import (
	"path/filepath"
	"strings"
)

// FileNameMap derives the path of a processed product from its input path:
// optional directory override, optional suffix inserted before the .fits
// extension, with compressed-input suffixes stripped unless KeepGz is set.
type FileNameMap struct {
	NewDir    string // "" keeps the input file's directory
	NewSuffix string // inserted before the .fits extension
	KeepGz    bool
}

func (m FileNameMap) Map(fileName string) string {
	dir:=m.NewDir
	if dir=="" { dir=filepath.Dir(fileName) }
	fn:=filepath.Base(fileName)
	if !m.KeepGz && strings.HasSuffix(fn, ".gz") { fn=fn[:len(fn)-3] }
	if m.NewSuffix!="" { fn=strings.Replace(fn, ".fits", m.NewSuffix+".fits", 1) }
	return filepath.Join(dir, fn)
}

// ResolveOutput applies an optional output map to an input path, selecting
// the output target once per call. A nil map means update in place, which
// always implies permission to overwrite.
func ResolveOutput(m *FileNameMap, fileName string, overwrite bool) (outName string, allowOverwrite bool) {
	if m==nil { return fileName, true }
	out:=m.Map(fileName)
	if out==fileName { return out, true }
	return out, overwrite
}
