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
	"path/filepath"
	"runtime/debug"

	"github.com/findaz/rapala/internal/fits"
	"github.com/findaz/rapala/internal/stats"
)

// FlatStackParams configures master flat creation.
type FlatStackParams struct {
	Stack        StackParams `yaml:"Stack"`
	RetainCounts bool        `yaml:"RetainCounts"` // keep the stack in counts instead of normalizing to unity
	Extensions   []string    `yaml:"Extensions"`
	Overwrite    bool        `yaml:"Overwrite"`
}

// NewFlatStackParams returns flat stacking settings with standard values.
// Frames are scaled to a common level before combining, using the mode in
// the amplifier corner nearest the CCD center where the illumination
// pattern is flattest.
func NewFlatStackParams() FlatStackParams {
	s:=NewStackParams()
	s.Scale="normalize"
	s.StatsRegion="amp_corner_ccdcenter_small"
	return FlatStackParams{Stack: s}
}

func (p *FlatStackParams) String() string {
	return fmt.Sprintf("stack {%s} retainCounts %v", p.Stack.String(), p.RetainCounts)
}

// StackFlats combines bias-subtracted dome flat exposures into a master
// flat, one stack per extension. Each stack is normalized to unit level by
// the mode in its stats region unless RetainCounts is set; pixels masked in
// every frame become 1.0 so later division is a no-op there. Every
// extension records FLATNORM and the per-frame FLTSCL scale factors. When
// varFile is nonempty the per-pixel stacking variance, in normalized flat
// units, is written there with the same headers.
func StackFlats(fileNames []string, biasFile, outputFile, varFile string, p *FlatStackParams) error {
	if len(fileNames)==0 { return &MissingConfigurationError{Key: "flat frames"} }
	f0, err:=fits.ReadMEF(fileNames[0])
	if err!=nil { return err }
	var bias *fits.File
	if biasFile!="" {
		if bias, err=fits.ReadMEF(biasFile); err!=nil { return err }
	}
	exts:=p.Extensions
	if exts==nil { exts=f0.Extensions() }

	primary:=f0.Primary.Clone()
	for i, fileName:=range fileNames {
		primary.Set(fmt.Sprintf("FLAT%03d", i+1), filepath.Base(fileName), "")
	}

	w, err:=fits.NewFileWriter(outputFile, primary, p.Overwrite)
	if err!=nil { return err }
	defer w.Discard()
	var vw *fits.FileWriter
	if varFile!="" {
		if vw, err=fits.NewFileWriter(varFile, primary, p.Overwrite); err!=nil { return err }
		defer vw.Discard()
	}

	sp:=p.Stack
	sp.WithVariance=varFile!=""
	for _, extName:=range exts {
		LogPrintf("flat %s: stacking %d frames\n", extName, len(fileNames))
		cube, err:=BuildCube(fileNames, extName, nil)
		if err!=nil { return err }
		if bias!=nil {
			bim, err:=bias.Image(extName)
			if err!=nil { return err }
			if err:=cube.SubtractImage(bim); err!=nil { return err }
		}
		res, err:=StackCube(cube, &sp, nil, nil)
		if err!=nil { return fmt.Errorf("%s: %w", extName, err) }

		flatNorm:=float32(1)
		if !p.RetainCounts {
			reg, err:=StatsRegion(sp.StatsRegion)
			if err!=nil { return err }
			x1, x2, y1, y2:=reg.Bounds(cube.Naxisn[0], cube.Naxisn[1])
			sect:=make([]float32, 0, (x2-x1)*(y2-y1))
			for y:=y1; y<y2; y++ {
				sect=append(sect, res.Data[y*int(cube.Naxisn[0])+x1:y*int(cube.Naxisn[0])+x2]...)
			}
			flatNorm=stats.Mode(sect)
			if !(flatNorm>0) { return fmt.Errorf("%s: flat normalization level %f", extName, flatNorm) }
		}
		for i, v:=range res.Data {
			v/=flatNorm
			if isNaN32(v) { v=1 }
			res.Data[i]=v
		}

		im0, err:=f0.Image(extName)
		if err!=nil { return err }
		hdr:=im0.Header.Clone()
		hdr.Set("FLATNORM", flatNorm, "normalization level")
		for i, s:=range res.Scales {
			hdr.Set(fmt.Sprintf("FLTSCL%02d", i+1), s, "frame scale factor")
		}
		im:=imageFrom(extName, cube.Naxisn, res.Data, hdr)
		if err:=w.Append(im); err!=nil { return err }
		if vw!=nil {
			for i:=range res.Variance { res.Variance[i]/=flatNorm*flatNorm }
			if err:=vw.Append(imageFrom(extName, cube.Naxisn, res.Variance, hdr.Clone())); err!=nil { return err }
		}
		debug.FreeOSMemory()
	}

	if err:=w.Close(); err!=nil { return err }
	if vw!=nil { return vw.Close() }
	return nil
}
