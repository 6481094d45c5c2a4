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

// Package proc implements the calibration pipeline for a 16-amplifier,
// 4-CCD mosaic imager: overscan removal, bias and flat stacking,
// per-amplifier gain balancing, CCD mosaic assembly with WCS synthesis,
// supersky flats and sky gradient subtraction.
package proc

import (
	"fmt"

	"github.com/findaz/rapala/internal/fits"
)

// The detector has 16 amplifiers stored as extensions IM1..IM16, four per
// CCD. The readout order of the amplifiers differs from the storage order;
// HDU 1 holds amplifier 4.
var ampReadOrder = []int{4, 3, 2, 1, 8, 7, 6, 5, 9, 10, 11, 12, 13, 14, 15, 16}

// ReadOrderExtensions lists the amplifier extension names in readout order
var ReadOrderExtensions = ampExtensions()

// CCDExtensions lists the mosaic extension names
var CCDExtensions = []string{"CCD1", "CCD2", "CCD3", "CCD4"}

// CenterAmps names the one amplifier per CCD closest to the field center
var CenterAmps = []string{"IM4", "IM7", "IM10", "IM13"}

// RefAmps names the reference amplifier per CCD for intra-CCD gain balance.
// 2 and 8 are stable and not in a corner, 11 avoids the bias ramp on CCD3,
// 16 is the least affected by A/D errors on CCD4.
var RefAmps = []string{"IM2", "IM8", "IM11", "IM16"}

// measured amplifier gains in e-/ADU, listed in readout order
var nominalGainByReadOrder = []float32{
	1.24556017, 1.29317832, 1.31759822, 1.28293753,
	1.44988859, 1.52633166, 1.42589855, 1.51268101,
	1.33969975, 1.39347458, 1.3766073, 1.39406121,
	1.42733335, 1.38764536, 1.40, 1.45403028,
}

func ampExtensions() []string {
	exts:=make([]string, len(ampReadOrder))
	for i, a:=range ampReadOrder { exts[i]=fmt.Sprintf("IM%d", a) }
	return exts
}

// NominalGains returns a fresh map of amplifier extension name to its
// nominal gain in e-/ADU.
func NominalGains() map[string]float32 {
	m:=make(map[string]float32, len(ampReadOrder))
	for i, ext:=range ReadOrderExtensions { m[ext]=nominalGainByReadOrder[i] }
	return m
}

// CCDAmpExtensions returns the four amplifier extensions belonging to the
// given CCD (1-4) in ascending numerical order, e.g. CCD2 -> IM5..IM8.
func CCDAmpExtensions(ccdNum int) []string {
	base:=(ccdNum-1)*4
	return []string{
		fmt.Sprintf("IM%d", base+1), fmt.Sprintf("IM%d", base+2),
		fmt.Sprintf("IM%d", base+3), fmt.Sprintf("IM%d", base+4),
	}
}

// StatsRegion resolves a named statistics region to pixel offsets
// (x1,x2,y1,y2), where negative values index from the far edge. The set of
// names is closed; anything else returns an UnknownRegionError.
func StatsRegion(name string) (fits.Region, error) {
	switch name {
	case "amp_central_quadrant":
		return fits.Region{X1: 512, X2: -512, Y1: 512, Y2: -512}, nil
	case "amp_corner_ccdcenter_small":
		return fits.Region{X1: -512, X2: -50, Y1: -512, Y2: -50}, nil
	case "amp_corner_ccdcenter":
		return fits.Region{X1: -1024, X2: -1, Y1: -1024, Y2: -1}, nil
	case "centeramp_corner_fovcenter":
		// for the 4 central amps, the corner towards the field center
		return fits.Region{X1: 50, X2: 1024, Y1: 50, Y2: 1024}, nil
	case "ccd_central_quadrant":
		return fits.Region{X1: 1024, X2: -1024, Y1: 1024, Y2: -1024}, nil
	}
	return fits.Region{}, &UnknownRegionError{Region: name}
}
