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
	"strings"

	"github.com/findaz/rapala/internal/fits"
	"github.com/findaz/rapala/internal/stats"
)

// ImStatParams configures per-extension level statistics.
type ImStatParams struct {
	Region     fits.Region `yaml:"Region"`     // pixel window sampled per extension
	ClipIters  int         `yaml:"ClipIters"`  // sigma clipping iterations
	ClipSig    float32     `yaml:"ClipSig"`    // sigma clipping threshold
	Extensions []string    `yaml:"Extensions"` // nil measures every extension in the file
}

// NewImStatParams returns statistics settings with standard values. The
// default window trims the outer rows and columns so overscan remnants and
// edge rolloff do not skew the levels.
func NewImStatParams() *ImStatParams {
	return &ImStatParams{
		Region:    fits.Region{X1: 100, X2: -100, Y1: 20, Y2: -20},
		ClipIters: 5,
		ClipSig:   3.0,
	}
}

func (p *ImStatParams) String() string {
	return fmt.Sprintf("region %s clipIters %d clipSig %.1f",
		fits.FormatSection(p.Region), p.ClipIters, p.ClipSig)
}

// ExtStats holds clipped level statistics for one extension.
type ExtStats struct {
	ExtName string
	Mode    float32
	Mean    float32
	Median  float32
	P10     float32
	P25     float32
	P75     float32
	P90     float32
}

// FrameStats holds the statistics of every measured extension of a frame.
type FrameStats struct {
	FileName string
	Object   string
	ExpTime  float32
	Ext      []ExtStats
}

// ImStat measures sigma-clipped levels in a window of every extension of
// the given frames. Each frame logs one line with its exposure time and the
// modal level per extension; the full percentile breakdown is returned.
func ImStat(fileNames []string, p *ImStatParams) ([]FrameStats, error) {
	res:=make([]FrameStats, 0, len(fileNames))
	for _, fileName:=range fileNames {
		f, err:=fits.ReadMEF(fileName)
		if err!=nil { return nil, err }
		exts:=p.Extensions
		if exts==nil { exts=f.Extensions() }

		fs:=FrameStats{FileName: fileName, Ext: make([]ExtStats, 0, len(exts))}
		fs.Object, _=f.Primary.Str("OBJECT")
		if v, ok:=f.Primary.Float("EXPTIME"); ok { fs.ExpTime=float32(v) }

		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %4.1f ", filepath.Base(fileName), fs.ExpTime)
		for _, extName:=range exts {
			im, err:=f.Image(extName)
			if err!=nil { return nil, err }
			pix:=im.Section(p.Region)
			stats.SigmaClip(pix, p.ClipIters, p.ClipSig)
			es:=ExtStats{
				ExtName: extName,
				Mode:    stats.Mode(pix),
				Mean:    stats.Mean(pix),
				Median:  stats.Median(pix),
				P10:     stats.Percentile(pix, 10),
				P25:     stats.Percentile(pix, 25),
				P75:     stats.Percentile(pix, 75),
				P90:     stats.Percentile(pix, 90),
			}
			fs.Ext=append(fs.Ext, es)
			fmt.Fprintf(&sb, " %5.0f", es.Mode)
		}
		LogPrintln(sb.String())
		res=append(res, fs)
	}
	return res, nil
}
