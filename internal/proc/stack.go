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

	"github.com/findaz/rapala/internal/stats"
)

// StackParams configures robust pixel-wise combination of an image cube
type StackParams struct {
	Reject       string  `yaml:"Reject"`       // rejection policy: sigma_clip, minmax or none
	Method       string  `yaml:"Method"`       // combine method: mean or median
	Scale        string  `yaml:"Scale"`        // per-frame scaling: "", normalize or normalize_mean
	StatsRegion  string  `yaml:"StatsRegion"`  // named region the scale factors are measured in
	ClipIters    int     `yaml:"ClipIters"`
	ClipSig      float32 `yaml:"ClipSig"`
	WithVariance bool    `yaml:"WithVariance"`
}

// NewStackParams returns the shared stacking defaults
func NewStackParams() StackParams {
	return StackParams{
		Reject:      "sigma_clip",
		Method:      "mean",
		StatsRegion: "amp_central_quadrant",
		ClipIters:   stats.DefaultClipIters,
		ClipSig:     stats.DefaultClipSig,
	}
}

func (p *StackParams) String() string {
	return fmt.Sprintf("reject %s method %s scale %q statsRegion %s clipIters %d clipSig %.1f",
		p.Reject, p.Method, p.Scale, p.StatsRegion, p.ClipIters, p.ClipSig)
}

func (p *StackParams) validate() error {
	switch p.Reject {
	case "sigma_clip", "minmax", "none", "":
	default:
		return &UnsupportedMethodError{Op: "stack rejection", Method: p.Reject}
	}
	switch p.Method {
	case "mean", "median":
	default:
		return &UnsupportedMethodError{Op: "stack combine", Method: p.Method}
	}
	switch p.Scale {
	case "", "normalize", "normalize_mean":
	default:
		return &UnsupportedMethodError{Op: "stack scaling", Method: p.Scale}
	}
	return nil
}

// StackResult carries the combined layer and its optional companions
type StackResult struct {
	Data     []float32 // combined pixels; NaN where no sample survived rejection
	Scales   []float32 // per-frame multipliers applied, nil when unscaled
	Variance []float32 // per-pixel sample variance of the survivors, nil unless requested
}

// StackCube combines the cube's frames pixel by pixel: optional per-frame
// scaling, then rejection, then the combine method. The cube is consumed;
// its samples hold the scaled, rejection-annotated values afterwards.
// Explicit scales take precedence over scale estimation from the stats
// region; weights apply to the mean combine only.
func StackCube(cube *ImageCube, p *StackParams, scales, weights []float32) (*StackResult, error) {
	if err:=p.validate(); err!=nil { return nil, err }
	n:=cube.NFrames
	if scales!=nil && len(scales)!=n {
		return nil, fmt.Errorf("stack: %d scales for %d frames", len(scales), n)
	}
	if weights!=nil && len(weights)!=n {
		return nil, fmt.Errorf("stack: %d weights for %d frames", len(weights), n)
	}

	if scales==nil && p.Scale!="" {
		var err error
		scales, err=normalizeScales(cube, p)
		if err!=nil { return nil, err }
	}

	res:=&StackResult{Data: make([]float32, cube.NPixels()), Scales: scales}
	if p.WithVariance { res.Variance=make([]float32, cube.NPixels()) }

	for pix:=0; pix<cube.NPixels(); pix++ {
		run:=cube.Pixel(pix)
		if scales!=nil {
			for k:=range run { run[k]*=scales[k] }
		}
		switch p.Reject {
		case "sigma_clip":
			stats.SigmaClip(run, p.ClipIters, p.ClipSig)
		case "minmax":
			stats.MinMaxReject(run)
		}
		if p.Method=="median" {
			res.Data[pix]=stats.Median(run)
		} else {
			res.Data[pix]=weightedMean(run, weights)
		}
		if res.Variance!=nil {
			v:=stats.Variance(run)
			if isNaN32(v) { v=0 }
			res.Variance[pix]=v
		}
	}
	return res, nil
}

// weightedMean averages the unmasked samples, optionally weighted per frame
func weightedMean(run, weights []float32) float32 {
	if weights==nil { return stats.Mean(run) }
	sum, wsum:=float64(0), float64(0)
	for k, x:=range run {
		if isNaN32(x) { continue }
		sum+=float64(weights[k]) * float64(x)
		wsum+=float64(weights[k])
	}
	if wsum==0 { return nan32 }
	return float32(sum / wsum)
}

// normalizeScales estimates one multiplicative scale per frame that
// equalizes all frames to the brightest one. Per pixel of the stats region
// the ratio to the first frame is taken; the per-frame ratio population is
// then reduced with the mode estimator, or with the sigma-clipped mean for
// "normalize_mean".
func normalizeScales(cube *ImageCube, p *StackParams) ([]float32, error) {
	reg, err:=StatsRegion(p.StatsRegion)
	if err!=nil { return nil, err }
	x1, x2, y1, y2:=reg.Bounds(cube.Naxisn[0], cube.Naxisn[1])
	if x1<0 || y1<0 || x2>int(cube.Naxisn[0]) || y2>int(cube.Naxisn[1]) || x1>=x2 || y1>=y2 {
		return nil, fmt.Errorf("stack: stats region %s empty for shape %v", p.StatsRegion, cube.Naxisn)
	}

	n:=cube.NFrames
	w:=int(cube.Naxisn[0])
	nReg:=(x2-x1)*(y2-y1)
	ratios:=make([][]float32, n)
	for k:=range ratios { ratios[k]=make([]float32, 0, nReg) }
	for y:=y1; y<y2; y++ {
		for x:=x1; x<x2; x++ {
			run:=cube.Pixel(y*w + x)
			ref:=run[0]
			for k, v:=range run {
				r:=v/ref
				if isNaN32(r) || r>maxFloat32 || r< -maxFloat32 { r=nan32 }
				ratios[k]=append(ratios[k], r)
			}
		}
	}

	scales:=make([]float32, n)
	max:=float32(0)
	for k:=range scales {
		var s float32
		if p.Scale=="normalize_mean" {
			s=stats.ClippedMean(ratios[k], p.ClipIters, p.ClipSig)
		} else {
			s=stats.Mode(ratios[k])
		}
		if isNaN32(s) || s<=0 {
			return nil, fmt.Errorf("stack: scale estimation failed for frame %d", k)
		}
		scales[k]=s
		if s>max { max=s }
	}
	for k:=range scales { scales[k]=max/scales[k] }
	return scales, nil
}

const maxFloat32 = float32(3.4e38)
