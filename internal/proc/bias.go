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

// Dropped-row detection settings. The controller occasionally loses rows at
// the start of a readout, leaving the bottom of an amplifier shifted or
// zeroed. Detection compares a median column profile against reference
// statistics from the vertical center of the frame.
const (
	DefaultDroppedBandHalfWidth = 10  // columns each side of the center column in the test band
	DefaultDroppedScanDepth     = 200 // rows scanned at the bottom, also the margin excluded from reference stats
	DefaultDroppedRejectSigma   = 3.0 // deviation threshold for flagging a row
	DefaultDroppedSettleMinRow  = 10  // shifts deeper than this get extra settle rows masked
	DefaultDroppedSettleRows    = 3   // extra rows masked after a deep shift
)

// BiasStackParams configures master bias creation.
type BiasStackParams struct {
	Stack StackParams `yaml:"Stack"`

	CheckDroppedRows bool    `yaml:"CheckDroppedRows"`
	BandHalfWidth    int     `yaml:"BandHalfWidth"`
	ScanDepth        int     `yaml:"ScanDepth"`
	RejectSigma      float32 `yaml:"RejectSigma"`
	SettleMinRow     int     `yaml:"SettleMinRow"`
	SettleRows       int     `yaml:"SettleRows"`

	Extensions []string `yaml:"Extensions"`
	Overwrite  bool     `yaml:"Overwrite"`
}

// NewBiasStackParams returns bias stacking settings with standard values.
// A single clipping iteration suffices for the near-Gaussian residuals of
// overscan-corrected bias frames.
func NewBiasStackParams() BiasStackParams {
	s:=NewStackParams()
	s.ClipIters=1
	return BiasStackParams{
		Stack:            s,
		CheckDroppedRows: true,
		BandHalfWidth:    DefaultDroppedBandHalfWidth,
		ScanDepth:        DefaultDroppedScanDepth,
		RejectSigma:      DefaultDroppedRejectSigma,
		SettleMinRow:     DefaultDroppedSettleMinRow,
		SettleRows:       DefaultDroppedSettleRows,
	}
}

func (p *BiasStackParams) String() string {
	return fmt.Sprintf("stack {%s} checkDroppedRows %v scanDepth %d rejectSigma %.1f",
		p.Stack.String(), p.CheckDroppedRows, p.ScanDepth, p.RejectSigma)
}

// StackBias combines overscan-corrected zero exposures into a master bias,
// one stack per extension. Frames with dropped rows at the readout start
// have those rows masked before stacking; pixels masked in every frame are
// repaired from the column median of the combined image. When varFile is
// nonempty, the per-pixel stacking variance is written there with the same
// headers as the master bias.
func StackBias(fileNames []string, outputFile, varFile string, p *BiasStackParams) error {
	if len(fileNames)==0 { return &MissingConfigurationError{Key: "bias frames"} }
	f0, err:=fits.ReadMEF(fileNames[0])
	if err!=nil { return err }
	exts:=p.Extensions
	if exts==nil { exts=f0.Extensions() }

	primary:=f0.Primary.Clone()
	for i, fileName:=range fileNames {
		primary.Set(fmt.Sprintf("BIAS%03d", i+1), filepath.Base(fileName), "")
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
		LogPrintf("bias %s: stacking %d frames\n", extName, len(fileNames))
		cube, err:=BuildCube(fileNames, extName, nil)
		if err!=nil { return err }
		if p.CheckDroppedRows { maskDroppedRows(cube, p) }
		res, err:=StackCube(cube, &sp, nil, nil)
		if err!=nil { return fmt.Errorf("%s: %w", extName, err) }
		fillColumnMedian(res.Data, cube.Naxisn[0], cube.Naxisn[1])

		im0, err:=f0.Image(extName)
		if err!=nil { return err }
		hdr:=im0.Header.Clone()
		im:=imageFrom(extName, cube.Naxisn, res.Data, hdr)
		if err:=w.Append(im); err!=nil { return err }
		if vw!=nil {
			if err:=vw.Append(imageFrom(extName, cube.Naxisn, res.Variance, hdr.Clone())); err!=nil { return err }
		}
		debug.FreeOSMemory()
	}

	if err:=w.Close(); err!=nil { return err }
	if vw!=nil { return vw.Close() }
	return nil
}

// maskDroppedRows masks leading rows of frames whose readout lost rows.
// The median of a band around the center column is traced upward from row
// zero; rows whose level strays beyond RejectSigma robust deviations from
// the frame-interior reference are masked, up to the first clean row. Deep
// shifts get a few extra settle rows masked.
func maskDroppedRows(cube *ImageCube, p *BiasStackParams) {
	w, h:=int(cube.Naxisn[0]), int(cube.Naxisn[1])
	n:=cube.NFrames
	x1:=w/2-p.BandHalfWidth
	x2:=w/2+p.BandHalfWidth+1
	if x1<0 { x1=0 }
	if x2>w { x2=w }
	if x2<=x1 { return }
	scan:=p.ScanDepth
	if scan>h { scan=h }

	// Reference level and spread from the band interior of all frames.
	refRows:=h-2*scan
	if refRows<0 { refRows=0 }
	ref:=make([]float32, 0, n*refRows*(x2-x1))
	for k:=0; k<n; k++ {
		for y:=scan; y<h-scan; y++ {
			for x:=x1; x<x2; x++ {
				ref=append(ref, cube.Samples[(y*w+x)*n+k])
			}
		}
	}
	refMean, refStd:=stats.ClippedMeanStdDev(ref, stats.DefaultClipIters, stats.DefaultClipSig)

	band:=make([]float32, x2-x1)
	for k:=0; k<n; k++ {
		row1:=scan
		for y:=0; y<scan; y++ {
			for x:=x1; x<x2; x++ {
				band[x-x1]=cube.Samples[(y*w+x)*n+k]
			}
			dev:=stats.Median(band)-refMean
			if dev<0 { dev=-dev }
			if !(dev/refStd>p.RejectSigma) { row1=y; break }
		}
		if row1>p.SettleMinRow { row1+=p.SettleRows }
		if row1>h { row1=h }
		if row1==0 { continue }
		LogPrintf("bias frame %d: masking %d dropped rows\n", k+1, row1)
		for y:=0; y<row1; y++ {
			for x:=0; x<w; x++ {
				cube.Samples[(y*w+x)*n+k]=nan32
			}
		}
	}
}

// fillColumnMedian replaces NaN pixels with the median of their column,
// or zero if the whole column is unmasked nowhere.
func fillColumnMedian(data []float32, w, h int32) {
	col:=make([]float32, h)
	for x:=int32(0); x<w; x++ {
		masked:=false
		for y:=int32(0); y<h; y++ {
			v:=data[y*w+x]
			col[y]=v
			if isNaN32(v) { masked=true }
		}
		if !masked { continue }
		med:=stats.Median(col)
		if isNaN32(med) { med=0 }
		for y:=int32(0); y<h; y++ {
			if isNaN32(data[y*w+x]) { data[y*w+x]=med }
		}
	}
}
