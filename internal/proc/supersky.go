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

	"github.com/pbnjay/memory"

	"github.com/findaz/rapala/internal/fits"
	"github.com/findaz/rapala/internal/stats"
)

// CCD whose sky level normalizes all frames of a supersky stack. Every
// frame must be scaled through the same detector area for the scales to
// be comparable.
const superskyNormExt = "CCD1"

// SuperskyParams configures supersky flat creation from science frames.
type SuperskyParams struct {
	Stack         StackParams
	NSplit        int         // row bands stacked at a time, 0 sizes bands from system memory
	NormRegion    fits.Region // region of the normalization CCD sampling the sky level
	NormClipIters int
	NormClipSig   float32
	Overwrite     bool
}

// NewSuperskyParams returns supersky settings with standard values.
func NewSuperskyParams() *SuperskyParams {
	return &SuperskyParams{
		Stack:         NewStackParams(),
		NormRegion:    fits.Region{X1: 100, X2: 1500, Y1: 100, Y2: 1500},
		NormClipIters: 4,
		NormClipSig:   2.5,
	}
}

func (p *SuperskyParams) String() string {
	return fmt.Sprintf("stack {%s} nsplit %d normRegion %s", p.Stack.String(), p.NSplit, p.NormRegion.String())
}

// MakeSuperskyFlats stacks object-masked science frames into a supersky
// flat, one stack per CCD. Frames are weighted to a common sky level
// through the clipped mean of the normalization region, then combined in
// horizontal bands so the frame cube never has to fit in memory at once.
// Pixels masked in every frame become 1.0.
func MakeSuperskyFlats(fileNames []string, maskMap *fits.FileNameMap, outputFile string, p *SuperskyParams) error {
	if len(fileNames)==0 { return &MissingConfigurationError{Key: "supersky frames"} }
	if maskMap==nil { return &MissingConfigurationError{Key: "supersky object mask map"} }
	f0, err:=fits.ReadMEF(fileNames[0])
	if err!=nil { return err }

	norms, err:=superskyNorms(fileNames, maskMap, p)
	if err!=nil { return err }

	primary:=f0.Primary.Clone()
	for i, fileName:=range fileNames {
		primary.Set(fmt.Sprintf("SKYF%03d", i+1), filepath.Base(fileName), "")
	}
	w, err:=fits.NewFileWriter(outputFile, primary, p.Overwrite)
	if err!=nil { return err }
	defer w.Discard()

	for _, extName:=range CCDExtensions {
		im0, err:=f0.Image(extName)
		if err!=nil { return err }
		width, height:=im0.Naxisn[0], im0.Naxisn[1]
		out:=fits.NewImage(extName, width, height)

		step, nbands:=superskyBands(int(width), int(height), len(fileNames), p.NSplit)
		for b:=0; b<nbands; b++ {
			y1:=b*step
			y2:=y1+step
			if b==nbands-1 { y2=int(height) }
			LogPrintf("supersky %s rows %d:%d\n", extName, y1, y2)
			cube, err:=BuildCubeRows(fileNames, extName, y1, y2, maskMap)
			if err!=nil { return err }
			res, err:=StackCube(cube, &p.Stack, norms, nil)
			if err!=nil { return fmt.Errorf("%s rows %d:%d: %w", extName, y1, y2, err) }
			copy(out.Data[y1*int(width):y2*int(width)], res.Data)
		}
		for i, v:=range out.Data {
			if isNaN32(v) { out.Data[i]=1 }
		}
		out.Header=im0.Header.Clone()
		if err:=w.Append(out); err!=nil { return err }
		debug.FreeOSMemory()
	}
	return w.Close()
}

// superskyNorms returns one multiplicative scale per frame that brings all
// frames to the sky level of the brightest one, from the clipped mean over
// the normalization region with object pixels excluded.
func superskyNorms(fileNames []string, maskMap *fits.FileNameMap, p *SuperskyParams) ([]float32, error) {
	norms:=make([]float32, len(fileNames))
	skyVals:=make([]float32, len(fileNames))
	for i, fileName:=range fileNames {
		f, err:=fits.ReadMEF(fileName)
		if err!=nil { return nil, err }
		im, err:=f.Image(superskyNormExt)
		if err!=nil { return nil, err }
		maskF, err:=fits.ReadMEF(maskMap.Map(fileName))
		if err!=nil { return nil, err }
		maskIm, err:=maskF.Image(superskyNormExt)
		if err!=nil { return nil, err }
		if !fits.EqualInt32Slice(maskIm.Naxisn, im.Naxisn) {
			return nil, &ShapeMismatchError{FileName: fileName, ExtName: superskyNormExt, Want: im.Naxisn, Got: maskIm.Naxisn}
		}

		pix:=im.Section(p.NormRegion)
		maskPix:=maskIm.Section(p.NormRegion)
		for j, m:=range maskPix {
			if m>0 { pix[j]=nan32 }
		}
		sky:=stats.ClippedMean(pix, p.NormClipIters, p.NormClipSig)
		if !(sky>0) {
			return nil, fmt.Errorf("%s: sky level %f in normalization region", fileName, sky)
		}
		skyVals[i]=sky
		norms[i]=1/sky
	}
	LogPrintf("supersky sky levels %v\n", skyVals)
	LogPrintf("supersky norms %v\n", norms)
	return norms, nil
}

// superskyBands sizes the row bands so one band cube stays within an
// eighth of system memory. An explicit nsplit overrides the sizing.
func superskyBands(width, height, nFrames, nsplit int) (step, nbands int) {
	if nsplit<1 {
		nsplit=10
		if total:=memory.TotalMemory(); total>0 {
			cubeBytes:=uint64(width)*uint64(height)*uint64(nFrames)*4
			budget:=total/8
			n:=int((cubeBytes+budget-1)/budget)
			if n>0 { nsplit=n }
		}
	}
	if nsplit>height { nsplit=height }
	step=height/nsplit
	if step<1 { step=height }
	nbands=height/step
	return step, nbands
}
