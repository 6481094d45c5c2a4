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
)

// UnknownRegionError reports an unrecognized named statistics region.
// Raised before any pixel I/O.
type UnknownRegionError struct {
	Region string
}

func (e *UnknownRegionError) Error() string {
	return fmt.Sprintf("unknown statistics region %q", e.Region)
}

// ShapeMismatchError reports an input whose 2D shape differs from the
// shape established by the first input of the same operation.
type ShapeMismatchError struct {
	FileName string
	ExtName  string
	Want     []int32
	Got      []int32
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s[%s]: shape %v does not match %v", e.FileName, e.ExtName, e.Got, e.Want)
}

// UnsupportedMethodError reports an unrecognized method selector for an
// operation, e.g. an unknown rejection or combine method string.
type UnsupportedMethodError struct {
	Op     string
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("unsupported %s method %q", e.Op, e.Method)
}

// MissingConfigurationError reports a required configuration value that
// was not provided.
type MissingConfigurationError struct {
	Key string
}

func (e *MissingConfigurationError) Error() string {
	return fmt.Sprintf("missing required configuration value %q", e.Key)
}
