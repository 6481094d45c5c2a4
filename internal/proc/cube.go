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
	"math"

	"github.com/findaz/rapala/internal/fits"
)

// masked samples are NaN throughout the pipeline
var nan32 = float32(math.NaN())

func isNaN32(x float32) bool { return x!=x }

// ImageCube holds N same-shape images with the N samples of each pixel
// stored contiguously, so per-pixel rejection and combining walk short
// dense slices. Masked samples are NaN.
type ImageCube struct {
	Naxisn  []int32 // shape of one layer, [width, height]
	NFrames int
	Samples []float32 // pixel p occupies Samples[p*NFrames : (p+1)*NFrames]
}

// NewImageCube allocates a zeroed cube for nFrames layers of width x height
func NewImageCube(width, height int32, nFrames int) *ImageCube {
	return &ImageCube{
		Naxisn:  []int32{width, height},
		NFrames: nFrames,
		Samples: make([]float32, int(width)*int(height)*nFrames),
	}
}

// NPixels returns the number of pixels in one layer
func (c *ImageCube) NPixels() int {
	return int(c.Naxisn[0]) * int(c.Naxisn[1])
}

// Pixel returns the samples of pixel index p across all frames
func (c *ImageCube) Pixel(p int) []float32 {
	return c.Samples[p*c.NFrames : (p+1)*c.NFrames]
}

// setFrame spreads rows [y1,y2) of a layer into the cube, NaN-masking
// samples where the mask is nonzero
func (c *ImageCube) setFrame(k int, data, mask []float32, width int32, y1, y2 int) {
	w:=int(width)
	for y:=y1; y<y2; y++ {
		row:=data[y*w : (y+1)*w]
		p:=(y-y1)*w
		for x, v:=range row {
			if mask!=nil && mask[y*w+x]!=0 { v=nan32 }
			c.Samples[(p+x)*c.NFrames+k]=v
		}
	}
}

// BuildCube loads extension extName of every listed file into a cube,
// applying per-file masks (nonzero = masked) resolved through maskMap.
// All inputs must share the shape of the first.
func BuildCube(fileNames []string, extName string, maskMap *fits.FileNameMap) (*ImageCube, error) {
	return buildCube(fileNames, extName, 0, -1, maskMap)
}

// BuildCubeRows loads only rows [y1,y2) of each layer, for memory-bounded
// processing of large mosaics. Results are pixel-identical to slicing the
// same rows out of a full BuildCube.
func BuildCubeRows(fileNames []string, extName string, y1, y2 int, maskMap *fits.FileNameMap) (*ImageCube, error) {
	return buildCube(fileNames, extName, y1, y2, maskMap)
}

func buildCube(fileNames []string, extName string, y1, y2 int, maskMap *fits.FileNameMap) (*ImageCube, error) {
	if len(fileNames)==0 { return nil, fmt.Errorf("no input files for cube of %s", extName) }

	var cube *ImageCube
	var shape []int32
	for k, fileName:=range fileNames {
		f, err:=fits.ReadMEF(fileName)
		if err!=nil { return nil, fmt.Errorf("cube %s: %w", extName, err) }
		im, err:=f.Image(extName)
		if err!=nil { return nil, err }

		if cube==nil {
			shape=im.Naxisn
			yLo, yHi:=y1, y2
			if yHi<0 { yHi=int(shape[1]) }
			if yLo<0 || yHi>int(shape[1]) || yLo>=yHi {
				return nil, fmt.Errorf("%s[%s]: row range [%d,%d) outside height %d", fileName, extName, yLo, yHi, shape[1])
			}
			y1, y2=yLo, yHi
			cube=NewImageCube(shape[0], int32(y2-y1), len(fileNames))
		} else if !fits.EqualInt32Slice(im.Naxisn, shape) {
			return nil, &ShapeMismatchError{FileName: fileName, ExtName: extName, Want: shape, Got: im.Naxisn}
		}

		var mask []float32
		if maskMap!=nil {
			maskF, err:=fits.ReadMEF(maskMap.Map(fileName))
			if err!=nil { return nil, fmt.Errorf("cube %s mask: %w", extName, err) }
			maskIm, err:=maskF.Image(extName)
			if err!=nil { return nil, err }
			if !fits.EqualInt32Slice(maskIm.Naxisn, shape) {
				return nil, &ShapeMismatchError{FileName: maskF.FileName, ExtName: extName, Want: shape, Got: maskIm.Naxisn}
			}
			mask=maskIm.Data
		}
		cube.setFrame(k, im.Data, mask, shape[0], y1, y2)
	}
	return cube, nil
}

// CubeFromImages builds a cube from already loaded same-shape images
func CubeFromImages(ims []*fits.Image) (*ImageCube, error) {
	if len(ims)==0 { return nil, fmt.Errorf("no input images for cube") }
	shape:=ims[0].Naxisn
	cube:=NewImageCube(shape[0], shape[1], len(ims))
	for k, im:=range ims {
		if !fits.EqualInt32Slice(im.Naxisn, shape) {
			return nil, &ShapeMismatchError{ExtName: im.ExtName, Want: shape, Got: im.Naxisn}
		}
		cube.setFrame(k, im.Data, nil, shape[0], 0, int(shape[1]))
	}
	return cube, nil
}

// SubtractImage subtracts a same-shape 2D image from every layer of the cube
func (c *ImageCube) SubtractImage(im *fits.Image) error {
	if !fits.EqualInt32Slice(im.Naxisn, c.Naxisn) {
		return &ShapeMismatchError{ExtName: im.ExtName, Want: c.Naxisn, Got: im.Naxisn}
	}
	n:=c.NFrames
	for p, v:=range im.Data {
		run:=c.Samples[p*n : (p+1)*n]
		for k:=range run { run[k]-=v }
	}
	return nil
}

// imageFrom wraps a pixel buffer of the given shape as an image extension
func imageFrom(extName string, naxisn []int32, data []float32, hdr *fits.Header) *fits.Image {
	return &fits.Image{
		ExtName: extName,
		Bitpix:  -32,
		Naxisn:  append([]int32{}, naxisn...),
		Pixels:  naxisn[0]*naxisn[1],
		Data:    data,
		Header:  hdr,
	}
}
