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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/valyala/fastrand"

	"github.com/findaz/rapala/internal/fits"
	"github.com/findaz/rapala/internal/stats"
)

// Row-strip columns reserved for the second overscan pass. The rightmost
// tail of the row strip still sees the serial register, so it is modeled
// like the column strip and removed before the row model is fit.
const overscanRowTailWidth = 20

// OverscanParams controls how a bias level is modeled from an overscan strip.
type OverscanParams struct {
	Reject         string  `yaml:"Reject"`         // sample rejection: sigma_clip, minmax or none
	Method         string  `yaml:"Method"`         // mean, mean_value, median_value or cubic_spline
	MaskAt         []int   `yaml:"MaskAt"`         // sample indices excluded from every run, negatives count from the end
	ClipIters      int     `yaml:"ClipIters"`      // sigma clipping iterations
	ClipSig        float32 `yaml:"ClipSig"`        // sigma clipping threshold
	SplineInterval int     `yaml:"SplineInterval"` // knot spacing for cubic_spline, in pixels
}

// NewOverscanParams returns overscan fit settings with standard values.
func NewOverscanParams() OverscanParams {
	return OverscanParams{
		Reject:         "sigma_clip",
		Method:         "mean",
		MaskAt:         []int{0, 1, 2, -1},
		ClipIters:      stats.DefaultClipIters,
		ClipSig:        stats.DefaultClipSig,
		SplineInterval: 20,
	}
}

func (p *OverscanParams) String() string {
	return fmt.Sprintf("reject %s method %s maskAt %v clipIters %d clipSig %.1f splineInterval %d",
		p.Reject, p.Method, p.MaskAt, p.ClipIters, p.ClipSig, p.SplineInterval)
}

func (p *OverscanParams) validate() error {
	switch p.Reject {
	case "sigma_clip", "minmax", "none", "":
	default:
		return &UnsupportedMethodError{Op: "overscan reject", Method: p.Reject}
	}
	switch p.Method {
	case "mean", "mean_value", "median_value", "cubic_spline":
	default:
		return &UnsupportedMethodError{Op: "overscan fit", Method: p.Method}
	}
	return nil
}

// ExtractOverscan splits an amplifier readout into its science section and
// its overscan strips, as float32 copies. The column strip is the BIASSEC
// region. A row strip exists only when the readout extends more than one
// row past the DATASEC, and then spans the full readout width below the
// science rows; rows is nil otherwise.
func ExtractOverscan(im *fits.Image) (data, cols, rows *fits.Image, err error) {
	biasSec, ok:=im.Header.Str("BIASSEC")
	if !ok { return nil, nil, nil, fmt.Errorf("%s: missing BIASSEC", im.ExtName) }
	dataSec, ok:=im.Header.Str("DATASEC")
	if !ok { return nil, nil, nil, fmt.Errorf("%s: missing DATASEC", im.ExtName) }
	biasReg, err:=fits.ParseSection(biasSec)
	if err!=nil { return nil, nil, nil, fmt.Errorf("%s: BIASSEC: %w", im.ExtName, err) }
	dataReg, err:=fits.ParseSection(dataSec)
	if err!=nil { return nil, nil, nil, fmt.Errorf("%s: DATASEC: %w", im.ExtName, err) }

	w, h:=int(im.Naxisn[0]), int(im.Naxisn[1])
	if biasReg.X2>w || biasReg.Y2>h || dataReg.X2>w || dataReg.Y2>h {
		return nil, nil, nil, fmt.Errorf("%s: section exceeds %dx%d readout", im.ExtName, w, h)
	}

	cols=subImage(im, biasReg.X1, biasReg.X2, biasReg.Y1, biasReg.Y2)
	if h>dataReg.Y2+1 {
		rows=subImage(im, 0, w, dataReg.Y2, h)
	}
	data=subImage(im, dataReg.X1, dataReg.X2, dataReg.Y1, dataReg.Y2)
	return data, cols, rows, nil
}

// subImage copies the half-open window [x1,x2)x[y1,y2) of im into a fresh
// float32 image carrying the same extension name and an empty header.
func subImage(im *fits.Image, x1, x2, y1, y2 int) *fits.Image {
	w, h:=x2-x1, y2-y1
	out:=fits.NewImage(im.ExtName, int32(w), int32(h))
	srcW:=int(im.Naxisn[0])
	for y:=0; y<h; y++ {
		copy(out.Data[y*w:(y+1)*w], im.Data[(y1+y)*srcW+x1:(y1+y)*srcW+x2])
	}
	return out
}

// FitOverscan models the bias level along one axis of an overscan strip.
// For along "columns" it returns one value per strip row, collapsing the
// samples in that row; for along "rows" it returns one value per strip
// column. Edge samples listed in MaskAt are excluded from every run, then
// the remaining samples pass through the configured rejection before the
// model is evaluated. mean fits each run separately; mean_value and
// median_value collapse the whole strip to a single level; cubic_spline
// fits a least-squares cubic B-spline through the per-run means.
func FitOverscan(strip *fits.Image, along string, p *OverscanParams) ([]float32, error) {
	if err:=p.validate(); err!=nil { return nil, err }
	w, h:=int(strip.Naxisn[0]), int(strip.Naxisn[1])
	var npix, nsamp int
	switch along {
	case "columns":
		npix, nsamp=h, w
	case "rows":
		npix, nsamp=w, h
	default:
		return nil, &UnsupportedMethodError{Op: "overscan along", Method: along}
	}
	if npix==0 || nsamp==0 { return nil, fmt.Errorf("empty overscan strip %dx%d", w, h) }

	// Gather sample runs, one per output pixel, transposing for row fits.
	runs:=make([]float32, npix*nsamp)
	for i:=0; i<npix; i++ {
		for s:=0; s<nsamp; s++ {
			if along=="rows" {
				runs[i*nsamp+s]=strip.Data[s*w+i]
			} else {
				runs[i*nsamp+s]=strip.Data[i*w+s]
			}
		}
	}
	for _, at:=range p.MaskAt {
		if at<0 { at+=nsamp }
		if at<0 || at>=nsamp { continue }
		for i:=0; i<npix; i++ { runs[i*nsamp+at]=nan32 }
	}
	for i:=0; i<npix; i++ {
		run:=runs[i*nsamp : (i+1)*nsamp]
		switch p.Reject {
		case "sigma_clip":
			stats.SigmaClip(run, p.ClipIters, p.ClipSig)
		case "minmax":
			stats.MinMaxReject(run)
		}
	}

	fit:=make([]float32, npix)
	switch p.Method {
	case "mean":
		for i:=0; i<npix; i++ {
			fit[i]=stats.Mean(runs[i*nsamp : (i+1)*nsamp])
		}
	case "mean_value":
		v:=stats.Mean(runs)
		for i:=range fit { fit[i]=v }
	case "median_value":
		v:=stats.Median(runs)
		for i:=range fit { fit[i]=v }
	case "cubic_spline":
		means:=make([]float32, npix)
		for i:=0; i<npix; i++ {
			means[i]=stats.Mean(runs[i*nsamp : (i+1)*nsamp])
		}
		return fitCubicSpline(means, p.SplineInterval)
	}
	return fit, nil
}

// OverscanCollection accumulates the overscan strips and fit residuals of a
// processing run for one extension, spilling them to scratch files next to
// the final image so a long run does not hold them in memory. Close removes
// the scratch files and is safe to call more than once.
type OverscanCollection struct {
	imgFile string
	along   string

	stripFn string
	residFn string
	strips  *os.File
	resids  *os.File

	files   []string
	widths  []int32
	heights []int32
	closed  bool
}

// NewOverscanCollection creates a collection writing scratch data next to
// the eventual output image imgFile. along must be "columns" or "rows" and
// selects how strips are mosaicked by WriteImage, and how fits broadcast
// when residuals are formed.
func NewOverscanCollection(imgFile, along string) (*OverscanCollection, error) {
	if along!="columns" && along!="rows" {
		return nil, &UnsupportedMethodError{Op: "overscan collection along", Method: along}
	}
	c:=&OverscanCollection{
		imgFile: imgFile,
		along:   along,
		stripFn: fmt.Sprintf("%s_oscan%08x.dat", imgFile, fastrand.Uint32()),
		residFn: fmt.Sprintf("%s_resid%08x.dat", imgFile, fastrand.Uint32()),
	}
	var err error
	if c.strips, err=os.Create(c.stripFn); err!=nil { return nil, err }
	if c.resids, err=os.Create(c.residFn); err!=nil { c.Close(); return nil, err }
	return c, nil
}

// Append records one strip and the fit derived from it. The residual
// strip minus fit is stored alongside the raw strip; positions rejected
// from the fit input are stored as -999.
func (c *OverscanCollection) Append(strip *fits.Image, fit []float32, fileName string) error {
	if c.closed || c.strips==nil { return fmt.Errorf("overscan collection %s: already closed", c.imgFile) }
	w, h:=int(strip.Naxisn[0]), int(strip.Naxisn[1])
	if c.along=="columns" && len(fit)!=h {
		return fmt.Errorf("overscan collection %s: fit length %d for %d strip rows", c.imgFile, len(fit), h)
	}
	if c.along=="rows" && len(fit)!=w {
		return fmt.Errorf("overscan collection %s: fit length %d for %d strip columns", c.imgFile, len(fit), w)
	}

	resid:=make([]float32, w*h)
	for y:=0; y<h; y++ {
		for x:=0; x<w; x++ {
			f:=fit[y]
			if c.along=="rows" { f=fit[x] }
			r:=strip.Data[y*w+x]-f
			if isNaN32(r) { r=-999 }
			resid[y*w+x]=r
		}
	}

	if err:=writeStripRecord(c.strips, strip.Data, int32(w), int32(h)); err!=nil { return err }
	if err:=writeStripRecord(c.resids, resid, int32(w), int32(h)); err!=nil { return err }
	c.files=append(c.files, filepath.Base(fileName))
	c.widths=append(c.widths, int32(w))
	c.heights=append(c.heights, int32(h))
	return nil
}

// NImages returns the number of strips appended so far.
func (c *OverscanCollection) NImages() int { return len(c.files) }

func writeStripRecord(f *os.File, data []float32, w, h int32) error {
	if err:=binary.Write(f, binary.LittleEndian, []int32{w, h}); err!=nil { return err }
	return binary.Write(f, binary.LittleEndian, data)
}

func readStripRecord(f *os.File) (data []float32, w, h int32, err error) {
	var dims [2]int32
	if err=binary.Read(f, binary.LittleEndian, &dims); err!=nil { return nil, 0, 0, err }
	data=make([]float32, int(dims[0])*int(dims[1]))
	if err=binary.Read(f, binary.LittleEndian, &data); err!=nil { return nil, 0, 0, err }
	return data, dims[0], dims[1], nil
}

// WriteImage mosaics the collected strips and residuals into a two
// extension diagnostic image at imgFile+".fits". Column strips are placed
// side by side, row strips are stacked top to bottom. Does nothing when no
// strips were appended.
func (c *OverscanCollection) WriteImage(overwrite bool) error {
	if len(c.files)==0 { return nil }
	if c.closed || c.strips==nil { return fmt.Errorf("overscan collection %s: already closed", c.imgFile) }
	if _, err:=c.strips.Seek(0, 0); err!=nil { return err }
	if _, err:=c.resids.Seek(0, 0); err!=nil { return err }

	strips, err:=c.mosaic(c.strips)
	if err!=nil { return err }
	resids, err:=c.mosaic(c.resids)
	if err!=nil { return err }
	strips.ExtName, resids.ExtName="OSCAN", "RESID"

	hdr:=fits.NewHeader()
	hdr.Set("NOVSCAN", len(c.files), "number of collected overscan strips")
	for i, f:=range c.files {
		hdr.Set(fmt.Sprintf("OVSCN%03d", i+1), f, "")
	}
	return fits.WriteMEF(c.imgFile+".fits", hdr, []*fits.Image{strips, resids}, overwrite)
}

func (c *OverscanCollection) mosaic(f *os.File) (*fits.Image, error) {
	var outW, outH int32
	for i:=range c.files {
		if c.along=="columns" {
			if c.heights[i]!=c.heights[0] {
				return nil, fmt.Errorf("overscan collection %s: strip heights %d and %d differ", c.imgFile, c.heights[0], c.heights[i])
			}
			outW+=c.widths[i]
			outH=c.heights[0]
		} else {
			if c.widths[i]!=c.widths[0] {
				return nil, fmt.Errorf("overscan collection %s: strip widths %d and %d differ", c.imgFile, c.widths[0], c.widths[i])
			}
			outW=c.widths[0]
			outH+=c.heights[i]
		}
	}
	out:=fits.NewImage("", outW, outH)
	var xOff, yOff int
	for range c.files {
		data, w, h, err:=readStripRecord(f)
		if err!=nil { return nil, err }
		for y:=0; y<int(h); y++ {
			copy(out.Data[(yOff+y)*int(outW)+xOff:(yOff+y)*int(outW)+xOff+int(w)], data[y*int(w):(y+1)*int(w)])
		}
		if c.along=="columns" { xOff+=int(w) } else { yOff+=int(h) }
	}
	return out, nil
}

// Close releases the scratch files. Idempotent.
func (c *OverscanCollection) Close() {
	if c.closed { return }
	c.closed=true
	if c.strips!=nil { c.strips.Close(); c.strips=nil }
	if c.resids!=nil { c.resids.Close(); c.resids=nil }
	os.Remove(c.stripFn)
	os.Remove(c.residFn)
}

// OverscanStageParams configures the overscan subtraction stage.
type OverscanStageParams struct {
	Fit              OverscanParams
	OutputMap        *fits.FileNameMap // required, raw frames are never modified in place
	Overwrite        bool
	WriteDiagnostics bool
	DiagColsBase     string // diagnostic image base name for column strips, extension name is appended
	DiagRowsBase     string // diagnostic image base name for row strips
	Extensions       []string
}

func (p *OverscanStageParams) String() string {
	return fmt.Sprintf("fit {%s} overwrite %v diagnostics %v", p.Fit.String(), p.Overwrite, p.WriteDiagnostics)
}

// SubtractOverscan models and removes the per-amplifier bias level from
// each raw frame, writing results through the output map. Each amplifier
// first loses the column overscan model along its rows. If the readout
// carries spare rows below the science section, the tail of that row strip
// is treated like another column overscan, removed, and the remaining
// strip is collapsed into a per-column model that is subtracted as well.
// Every output extension records OSCANSUB with the fit method and OSCANMED
// with the median column model level. With WriteDiagnostics set, strips
// and fit residuals are mosaicked into per-extension diagnostic images.
func SubtractOverscan(fileNames []string, p *OverscanStageParams) error {
	if p.OutputMap==nil { return &MissingConfigurationError{Key: "overscan output map"} }
	exts:=p.Extensions
	if exts==nil { exts=ReadOrderExtensions }

	var colColl, rowColl map[string]*OverscanCollection
	if p.WriteDiagnostics {
		colColl=map[string]*OverscanCollection{}
		rowColl=map[string]*OverscanCollection{}
		defer func() {
			for _, c:=range colColl { c.Close() }
			for _, c:=range rowColl { c.Close() }
		}()
		for _, extName:=range exts {
			var err error
			if colColl[extName], err=NewOverscanCollection(p.DiagColsBase+"_"+extName, "columns"); err!=nil { return err }
			if rowColl[extName], err=NewOverscanCollection(p.DiagRowsBase+"_"+extName, "rows"); err!=nil { return err }
		}
	}

	for _, fileName:=range fileNames {
		if err:=subtractOverscanFile(fileName, exts, p, colColl, rowColl); err!=nil {
			return fmt.Errorf("%s: %w", fileName, err)
		}
	}

	if p.WriteDiagnostics {
		for _, extName:=range exts {
			if err:=colColl[extName].WriteImage(true); err!=nil { return err }
			if rowColl[extName].NImages()>0 {
				if err:=rowColl[extName].WriteImage(true); err!=nil { return err }
			}
			colColl[extName].Close()
			rowColl[extName].Close()
		}
	}
	return nil
}

type overscanResult struct {
	data   *fits.Image
	cols   *fits.Image
	colFit []float32
	rows   *fits.Image
	rowFit []float32
	err    error
}

func subtractOverscanFile(fileName string, exts []string, p *OverscanStageParams,
	colColl, rowColl map[string]*OverscanCollection) error {
	f, err:=fits.ReadMEF(fileName)
	if err!=nil { return err }
	outName, allowOverwrite:=fits.ResolveOutput(p.OutputMap, fileName, p.Overwrite)
	LogPrintf("overscan %s -> %s\n", fileName, outName)

	results:=make([]overscanResult, len(exts))
	sem:=make(chan bool, Parallelism())
	for i, extName:=range exts {
		im, err:=f.Image(extName)
		if err!=nil { return err }
		sem<-true
		go func(i int, im *fits.Image) {
			defer func() { <-sem }()
			results[i]=subtractOverscanExt(im, &p.Fit)
		}(i, im)
	}
	for i:=0; i<cap(sem); i++ { sem<-true }
	for i, r:=range results {
		if r.err!=nil { return fmt.Errorf("%s: %w", exts[i], r.err) }
	}

	w, err:=fits.NewFileWriter(outName, f.Primary, allowOverwrite)
	if err!=nil { return err }
	defer w.Discard()
	for _, r:=range results {
		if err:=w.Append(r.data); err!=nil { return err }
	}
	if err:=w.Close(); err!=nil { return err }

	if colColl!=nil {
		for i, extName:=range exts {
			r:=results[i]
			if err:=colColl[extName].Append(r.cols, r.colFit, fileName); err!=nil { return err }
			if r.rows!=nil {
				if err:=rowColl[extName].Append(r.rows, r.rowFit, fileName); err!=nil { return err }
			}
		}
	}
	return nil
}

func subtractOverscanExt(im *fits.Image, p *OverscanParams) (r overscanResult) {
	data, cols, rows, err:=ExtractOverscan(im)
	if err!=nil { r.err=err; return r }

	colFit, err:=FitOverscan(cols, "columns", p)
	if err!=nil { r.err=err; return r }
	dataW, dataH:=int(data.Naxisn[0]), int(data.Naxisn[1])
	for y:=0; y<dataH; y++ {
		b:=colFit[y]
		for x:=0; x<dataW; x++ { data.Data[y*dataW+x]-=b }
	}

	var rowFit []float32
	if rows!=nil {
		rw, rh:=int(rows.Naxisn[0]), int(rows.Naxisn[1])
		if rw>overscanRowTailWidth {
			tail:=subImage(rows, rw-overscanRowTailWidth, rw, 0, rh)
			tailFit, err:=FitOverscan(tail, "columns", p)
			if err!=nil { r.err=err; return r }
			rows=subImage(rows, 0, rw-overscanRowTailWidth, 0, rh)
			rw=int(rows.Naxisn[0])
			for y:=0; y<rh; y++ {
				b:=tailFit[y]
				for x:=0; x<rw; x++ { rows.Data[y*rw+x]-=b }
			}
		}
		if rowFit, err=FitOverscan(rows, "rows", p); err!=nil { r.err=err; return r }
		for y:=0; y<dataH; y++ {
			for x:=0; x<dataW && x<len(rowFit); x++ {
				data.Data[y*dataW+x]-=rowFit[x]
			}
		}
	}

	med:=stats.Median(colFit)
	if isNaN32(med) { med=-999 }
	data.Header=im.Header.Clone()
	data.Header.Set("OSCANSUB", "method="+p.Method, "overscan subtracted")
	data.Header.Set("OSCANMED", med, "median overscan column level")
	return overscanResult{data: data, cols: cols, colFit: colFit, rows: rows, rowFit: rowFit}
}
