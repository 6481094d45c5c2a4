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

	"gonum.org/v1/gonum/mat"

	"github.com/findaz/rapala/internal/fits"
	"github.com/findaz/rapala/internal/stats"
)

// CoordTransform maps zero-based pixel indices of one extension into a
// shared coordinate frame.
type CoordTransform func(px, py int) (x, y float64)

// NewCoordTransform builds the transform for one of the coordinate systems
// "image" (raw indices), "physical" (detector coordinates through the LTM
// and LTV cards) or "sky" (field coordinates through CRPIX and the sign of
// the CD matrix, assuming orthogonal axes).
func NewCoordTransform(hdr *fits.Header, coordsys string) (CoordTransform, error) {
	switch coordsys {
	case "image":
		return func(px, py int) (float64, float64) { return float64(px), float64(py) }, nil
	case "physical":
		v, err:=headerFloats(hdr, "LTM1_1", "LTM2_2", "LTV1", "LTV2")
		if err!=nil { return nil, err }
		ltm1, ltm2, ltv1, ltv2:=v[0], v[1], v[2], v[3]
		return func(px, py int) (float64, float64) {
			return ltm1*(float64(px)-ltv1), ltm2*(float64(py)-ltv2)
		}, nil
	case "sky":
		v, err:=headerFloats(hdr, "CD1_1", "CD2_1", "CD1_2", "CD2_2", "CRPIX1", "CRPIX2")
		if err!=nil { return nil, err }
		sx, sy:=signOf(v[0]+v[1]), signOf(v[2]+v[3])
		crpix1, crpix2:=v[4], v[5]
		return func(px, py int) (float64, float64) {
			return sx*(float64(px)-crpix1), sy*(float64(py)-crpix2)
		}, nil
	}
	return nil, &UnsupportedMethodError{Op: "coordinate system", Method: coordsys}
}

func headerFloats(hdr *fits.Header, names ...string) ([]float64, error) {
	out:=make([]float64, len(names))
	for i, n:=range names {
		v, ok:=hdr.Float(n)
		if !ok { return nil, fmt.Errorf("missing header card %s", n) }
		out[i]=v
	}
	return out, nil
}

func signOf(v float64) float64 {
	if v>0 { return 1 }
	if v<0 { return -1 }
	return 0
}

// SkyModel is a two dimensional polynomial over field coordinates, with
// terms x^i*y^j for i+j up to Order. Coef[0] is the constant term.
type SkyModel struct {
	Order int
	Coef  []float64
}

func (m *SkyModel) Eval(x, y float64) float64 {
	v, t:=0.0, 0
	xp:=1.0
	for i:=0; i<=m.Order; i++ {
		yp:=1.0
		for j:=0; j<=m.Order-i; j++ {
			v+=m.Coef[t]*xp*yp
			t++
			yp*=y
		}
		xp*=x
	}
	return v
}

func (m *SkyModel) terms() int { return (m.Order+1)*(m.Order+2)/2 }

// SkyFitParams controls the low order sky model fit across the field.
type SkyFitParams struct {
	NBin       int     `yaml:"NBin"`       // cell size in pixels, must divide the CCD shape
	Order      int     `yaml:"Order"`      // polynomial degree
	ClipIters  int     `yaml:"ClipIters"`  // sigma clipping iterations over each CCD
	ClipSig    float32 `yaml:"ClipSig"`    // sigma clipping threshold
	MaxBadFrac float32 `yaml:"MaxBadFrac"` // cells with a larger masked fraction are dropped
}

// NewSkyFitParams returns sky fit settings with standard values.
func NewSkyFitParams() SkyFitParams {
	return SkyFitParams{NBin: 64, Order: 1, ClipIters: 2, ClipSig: 2.5, MaxBadFrac: 1.0/3.0}
}

func (p *SkyFitParams) String() string {
	return fmt.Sprintf("nbin %d order %d clipIters %d clipSig %.1f maxBadFrac %.2f",
		p.NBin, p.Order, p.ClipIters, p.ClipSig, p.MaxBadFrac)
}

// FitSky fits one polynomial sky model across the four CCD mosaics of an
// assembled frame, in their shared field coordinates. Each CCD is sigma
// clipped as a whole with object pixels from the optional mask file
// excluded. The surviving samples collapse into NBin sized cell means that
// feed a linear least squares fit; cells where more than MaxBadFrac of the
// samples are masked carry no sky information and are dropped.
func FitSky(f, maskF *fits.File, p *SkyFitParams) (*SkyModel, error) {
	var xs, ys, zs []float64
	for _, extName:=range CCDExtensions {
		im, err:=f.Image(extName)
		if err!=nil { return nil, err }
		var mask *fits.Image
		if maskF!=nil {
			if mask, err=maskF.Image(extName); err!=nil { return nil, err }
		}
		tx, err:=NewCoordTransform(im.Header, "sky")
		if err!=nil { return nil, fmt.Errorf("%s: %w", extName, err) }
		cx, cy, cz, err:=skyCells(im, mask, tx, p)
		if err!=nil { return nil, err }
		LogPrintf("sky %s: %d cells\n", extName, len(cz))
		xs=append(xs, cx...)
		ys=append(ys, cy...)
		zs=append(zs, cz...)
	}

	model:=&SkyModel{Order: p.Order}
	nterms:=model.terms()
	if len(zs)<nterms {
		return nil, fmt.Errorf("sky fit: %d cells for %d polynomial terms", len(zs), nterms)
	}
	a:=mat.NewDense(len(zs), nterms, nil)
	b:=mat.NewVecDense(len(zs), zs)
	for r:=range zs {
		t:=0
		xp:=1.0
		for i:=0; i<=p.Order; i++ {
			yp:=1.0
			for j:=0; j<=p.Order-i; j++ {
				a.Set(r, t, xp*yp)
				t++
				yp*=ys[r]
			}
			xp*=xs[r]
		}
	}
	var coef mat.VecDense
	if err:=coef.SolveVec(a, b); err!=nil { return nil, fmt.Errorf("sky fit solve: %w", err) }
	model.Coef=make([]float64, nterms)
	for i:=range model.Coef { model.Coef[i]=coef.AtVec(i) }
	return model, nil
}

// skyCells clips one CCD globally and collapses it into cell means with
// their field coordinates at the cell centers.
func skyCells(im, mask *fits.Image, tx CoordTransform, p *SkyFitParams) (xs, ys, zs []float64, err error) {
	w, h:=int(im.Naxisn[0]), int(im.Naxisn[1])
	nbin:=p.NBin
	if nbin<1 || w%nbin!=0 || h%nbin!=0 {
		return nil, nil, nil, fmt.Errorf("%s: %dx%d does not divide into %d pixel cells", im.ExtName, w, h, nbin)
	}
	buf:=append([]float32{}, im.Data...)
	if mask!=nil {
		if !fits.EqualInt32Slice(mask.Naxisn, im.Naxisn) {
			return nil, nil, nil, &ShapeMismatchError{ExtName: im.ExtName, Want: im.Naxisn, Got: mask.Naxisn}
		}
		for i, v:=range mask.Data {
			if v>0 { buf[i]=nan32 }
		}
	}
	stats.SigmaClip(buf, p.ClipIters, p.ClipSig)

	cellsX, cellsY:=w/nbin, h/nbin
	cell:=make([]float32, nbin*nbin)
	maxBad:=float32(nbin*nbin)*p.MaxBadFrac
	for cy:=0; cy<cellsY; cy++ {
		for cx:=0; cx<cellsX; cx++ {
			for yy:=0; yy<nbin; yy++ {
				row:=(cy*nbin+yy)*w+cx*nbin
				copy(cell[yy*nbin:(yy+1)*nbin], buf[row:row+nbin])
			}
			nbad:=0
			for _, v:=range cell {
				if isNaN32(v) { nbad++ }
			}
			if float32(nbad)>maxBad { continue }
			x, y:=tx(cx*nbin+nbin/2, cy*nbin+nbin/2)
			xs=append(xs, x)
			ys=append(ys, y)
			zs=append(zs, float64(stats.Mean(cell)))
		}
	}
	return xs, ys, zs, nil
}

// SkySubtractParams configures sky gradient removal.
type SkySubtractParams struct {
	Fit       SkyFitParams
	MaskMap   *fits.FileNameMap // optional object masks excluded from the fit
	OutputMap *fits.FileNameMap // nil subtracts in place
	Overwrite bool
}

func (p *SkySubtractParams) String() string {
	return fmt.Sprintf("fit {%s} overwrite %v", p.Fit.String(), p.Overwrite)
}

// SubtractSky removes the fitted sky plane from each assembled frame,
// anchored so the sky level at the field origin is untouched: only the
// gradient is removed, and the anchor level is recorded as SKYVAL on every
// CCD. Files are processed in parallel.
func SubtractSky(fileNames []string, p *SkySubtractParams) error {
	errs:=make([]error, len(fileNames))
	sem:=make(chan bool, Parallelism())
	for i, fileName:=range fileNames {
		sem<-true
		go func(i int, fileName string) {
			defer func() { <-sem }()
			errs[i]=subtractSkyFile(fileName, p)
		}(i, fileName)
	}
	for i:=0; i<cap(sem); i++ { sem<-true }
	for i, err:=range errs {
		if err!=nil { return fmt.Errorf("%s: %w", fileNames[i], err) }
	}
	return nil
}

func subtractSkyFile(fileName string, p *SkySubtractParams) error {
	f, err:=fits.ReadMEF(fileName)
	if err!=nil { return err }
	var maskF *fits.File
	if p.MaskMap!=nil {
		if maskF, err=fits.ReadMEF(p.MaskMap.Map(fileName)); err!=nil { return err }
	}
	outName, allowOverwrite:=fits.ResolveOutput(p.OutputMap, fileName, p.Overwrite)
	LogPrintf("sky %s -> %s\n", fileName, outName)

	model, err:=FitSky(f, maskF, &p.Fit)
	if err!=nil { return err }
	sky0:=model.Eval(0, 0)

	out:=make([]*fits.Image, 0, len(CCDExtensions))
	for _, extName:=range CCDExtensions {
		im, err:=f.Image(extName)
		if err!=nil { return err }
		tx, err:=NewCoordTransform(im.Header, "sky")
		if err!=nil { return fmt.Errorf("%s: %w", extName, err) }
		w, h:=int(im.Naxisn[0]), int(im.Naxisn[1])
		for py:=0; py<h; py++ {
			for px:=0; px<w; px++ {
				x, y:=tx(px, py)
				im.Data[py*w+px]-=float32(model.Eval(x, y)-sky0)
			}
		}
		im.Header.Set("SKYVAL", sky0, "sky level at the field origin")
		out=append(out, im)
	}
	return fits.WriteMEF(outName, f.Primary, out, allowOverwrite)
}
