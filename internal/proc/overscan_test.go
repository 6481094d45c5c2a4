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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/findaz/rapala/internal/fits"
)

func TestFitOverscanMeanPerRow(t *testing.T) {
	strip:=fits.NewImage("IM1", 6, 4)
	for y:=0; y<4; y++ {
		for x:=0; x<6; x++ {
			v:=float32(100 + 10*y)
			if x==0 || x==5 { v=9999 }
			strip.Data[y*6+x]=v
		}
	}
	p:=OverscanParams{Reject: "none", Method: "mean", MaskAt: []int{0, -1}}
	fit, err:=FitOverscan(strip, "columns", &p)
	if err!=nil { t.Fatalf("FitOverscan: %v", err) }
	if len(fit)!=4 { t.Fatalf("fit length %d want 4", len(fit)) }
	for y, v:=range fit {
		if want:=float32(100 + 10*y); v!=want {
			t.Errorf("fit[%d]=%v want %v", y, v, want)
		}
	}
}

func TestFitOverscanValueMethods(t *testing.T) {
	strip:=fits.NewImage("IM1", 4, 2)
	for i, v:=range []float32{1, 2, 3, 4, 10, 20, 30, 40} { strip.Data[i]=v }
	p:=OverscanParams{Reject: "none", Method: "mean_value"}
	fit, err:=FitOverscan(strip, "columns", &p)
	if err!=nil { t.Fatalf("mean_value: %v", err) }
	if len(fit)!=2 || !almost(fit[0], 13.75, 1e-5) || fit[0]!=fit[1] {
		t.Errorf("mean_value fit=%v want [13.75 13.75]", fit)
	}
	p.Method="median_value"
	fit, err=FitOverscan(strip, "columns", &p)
	if err!=nil { t.Fatalf("median_value: %v", err) }
	if !almost(fit[0], 7, 1e-5) || fit[0]!=fit[1] {
		t.Errorf("median_value fit=%v want [7 7]", fit)
	}
}

func TestFitOverscanAlongRows(t *testing.T) {
	strip:=fits.NewImage("IM1", 3, 4)
	for y:=0; y<4; y++ {
		for x:=0; x<3; x++ { strip.Data[y*3+x]=float32(10 * (x + 1)) }
	}
	p:=OverscanParams{Reject: "none", Method: "mean"}
	fit, err:=FitOverscan(strip, "rows", &p)
	if err!=nil { t.Fatalf("FitOverscan: %v", err) }
	if len(fit)!=3 || fit[0]!=10 || fit[1]!=20 || fit[2]!=30 {
		t.Errorf("row fit=%v want [10 20 30]", fit)
	}
}

func TestFitOverscanClipsHotSample(t *testing.T) {
	strip:=fits.NewImage("IM1", 10, 1)
	for x:=0; x<10; x++ { strip.Data[x]=100 }
	strip.Data[4]=10100
	// garbage on the masked edge samples must never reach the fit
	strip.Data[0], strip.Data[1], strip.Data[2], strip.Data[9]=55555, 55555, 55555, 55555
	p:=NewOverscanParams()
	fit, err:=FitOverscan(strip, "columns", &p)
	if err!=nil { t.Fatalf("FitOverscan: %v", err) }
	if len(fit)!=1 || fit[0]!=100 {
		t.Errorf("clipped fit=%v want [100]", fit)
	}
}

func TestFitOverscanErrors(t *testing.T) {
	strip:=fits.NewImage("IM1", 4, 2)
	p:=NewOverscanParams()
	var unsupported *UnsupportedMethodError
	if _, err:=FitOverscan(strip, "diagonal", &p); !errors.As(err, &unsupported) {
		t.Errorf("bad axis err=%v", err)
	}
	p.Method="bogus"
	if _, err:=FitOverscan(strip, "columns", &p); !errors.As(err, &unsupported) {
		t.Errorf("bad method err=%v", err)
	}
	p=NewOverscanParams()
	empty:=fits.NewImage("IM1", 0, 4)
	if _, err:=FitOverscan(empty, "columns", &p); err==nil {
		t.Errorf("empty strip accepted")
	}
}

func TestExtractOverscan(t *testing.T) {
	im:=fits.NewImage("IM1", 10, 8)
	for i:=range im.Data { im.Data[i]=float32(i) }
	im.Header.Set("DATASEC", "[1:6,1:6]", "")
	im.Header.Set("BIASSEC", "[7:10,1:6]", "")

	data, cols, rows, err:=ExtractOverscan(im)
	if err!=nil { t.Fatalf("ExtractOverscan: %v", err) }
	if !fits.EqualInt32Slice(data.Naxisn, []int32{6, 6}) {
		t.Fatalf("data shape %v want [6 6]", data.Naxisn)
	}
	if data.Data[0]!=0 || data.Data[7]!=11 {
		t.Errorf("data pixels %v, %v want 0, 11", data.Data[0], data.Data[7])
	}
	if !fits.EqualInt32Slice(cols.Naxisn, []int32{4, 6}) {
		t.Fatalf("cols shape %v want [4 6]", cols.Naxisn)
	}
	if cols.Data[0]!=6 || cols.Data[5]!=17 {
		t.Errorf("cols pixels %v, %v want 6, 17", cols.Data[0], cols.Data[5])
	}
	if rows==nil || !fits.EqualInt32Slice(rows.Naxisn, []int32{10, 2}) {
		t.Fatalf("rows=%v want a 10x2 strip", rows)
	}
	if rows.Data[0]!=60 || rows.Data[11]!=71 {
		t.Errorf("rows pixels %v, %v want 60, 71", rows.Data[0], rows.Data[11])
	}
}

func TestExtractOverscanWithoutSpareRows(t *testing.T) {
	im:=fits.NewImage("IM1", 10, 7)
	im.Header.Set("DATASEC", "[1:6,1:6]", "")
	im.Header.Set("BIASSEC", "[7:10,1:6]", "")
	_, _, rows, err:=ExtractOverscan(im)
	if err!=nil { t.Fatalf("ExtractOverscan: %v", err) }
	if rows!=nil {
		t.Errorf("row strip %v for a readout only one row past DATASEC", rows.Naxisn)
	}
}

func TestExtractOverscanBadSections(t *testing.T) {
	im:=fits.NewImage("IM1", 10, 8)
	im.Header.Set("DATASEC", "[1:6,1:6]", "")
	if _, _, _, err:=ExtractOverscan(im); err==nil || !strings.Contains(err.Error(), "BIASSEC") {
		t.Errorf("missing BIASSEC err=%v", err)
	}
	im.Header.Set("BIASSEC", "[7:12,1:6]", "")
	if _, _, _, err:=ExtractOverscan(im); err==nil {
		t.Errorf("section beyond the readout accepted")
	}
}

func TestOverscanCollection(t *testing.T) {
	dir:=t.TempDir()
	base:=filepath.Join(dir, "oscan_cols_IM1")
	c, err:=NewOverscanCollection(base, "columns")
	if err!=nil { t.Fatalf("NewOverscanCollection: %v", err) }
	defer c.Close()

	strip1:=constImage("IM1", 3, 4, 100)
	strip2:=constImage("IM1", 3, 4, 200)
	strip2.Data[0]=nan32
	fit:=[]float32{100, 100, 100, 100}
	fit2:=[]float32{200, 200, 200, 200}
	if err:=c.Append(strip1, fit, "/raw/a.fits"); err!=nil { t.Fatalf("Append: %v", err) }
	if err:=c.Append(strip2, fit2, "/raw/b.fits"); err!=nil { t.Fatalf("Append: %v", err) }
	if c.NImages()!=2 { t.Fatalf("NImages=%d want 2", c.NImages()) }
	if err:=c.Append(strip1, []float32{1, 2}, "c.fits"); err==nil {
		t.Errorf("fit length mismatch accepted")
	}

	if err:=c.WriteImage(true); err!=nil { t.Fatalf("WriteImage: %v", err) }
	c.Close()

	f, err:=fits.ReadMEF(base + ".fits")
	if err!=nil { t.Fatalf("ReadMEF: %v", err) }
	if n, _:=f.Primary.Int("NOVSCAN"); n!=2 { t.Errorf("NOVSCAN=%d want 2", n) }
	if v, _:=f.Primary.Str("OVSCN001"); v!="a.fits" { t.Errorf("OVSCN001=%q want a.fits", v) }

	oscan, err:=f.Image("OSCAN")
	if err!=nil { t.Fatalf("Image(OSCAN): %v", err) }
	if !fits.EqualInt32Slice(oscan.Naxisn, []int32{6, 4}) {
		t.Fatalf("OSCAN shape %v want [6 4]", oscan.Naxisn)
	}
	if oscan.Data[0]!=100 || !isNaN32(oscan.Data[3]) || oscan.Data[4]!=200 {
		t.Errorf("OSCAN row 0=%v", oscan.Data[:6])
	}
	resid, err:=f.Image("RESID")
	if err!=nil { t.Fatalf("Image(RESID): %v", err) }
	if resid.Data[0]!=0 || resid.Data[3]!=-999 || resid.Data[4]!=0 {
		t.Errorf("RESID row 0=%v", resid.Data[:6])
	}

	entries, err:=os.ReadDir(dir)
	if err!=nil { t.Fatalf("ReadDir: %v", err) }
	for _, e:=range entries {
		if e.Name()!="oscan_cols_IM1.fits" {
			t.Errorf("scratch file left behind: %s", e.Name())
		}
	}
	if err:=c.Append(strip1, fit, "d.fits"); err==nil {
		t.Errorf("append after Close accepted")
	}
}

func TestOverscanCollectionRows(t *testing.T) {
	dir:=t.TempDir()
	c, err:=NewOverscanCollection(filepath.Join(dir, "oscan_rows_IM1"), "rows")
	if err!=nil { t.Fatalf("NewOverscanCollection: %v", err) }
	defer c.Close()
	strip:=constImage("IM1", 3, 2, 50)
	if err:=c.Append(strip, []float32{50, 50, 50}, "a.fits"); err!=nil { t.Fatalf("Append: %v", err) }
	if err:=c.Append(strip.Clone(), []float32{50, 50, 50}, "b.fits"); err!=nil { t.Fatalf("Append: %v", err) }
	if err:=c.WriteImage(true); err!=nil { t.Fatalf("WriteImage: %v", err) }
	f, err:=fits.ReadMEF(filepath.Join(dir, "oscan_rows_IM1.fits"))
	if err!=nil { t.Fatalf("ReadMEF: %v", err) }
	oscan, err:=f.Image("OSCAN")
	if err!=nil { t.Fatalf("Image: %v", err) }
	if !fits.EqualInt32Slice(oscan.Naxisn, []int32{3, 4}) {
		t.Errorf("row mosaic shape %v want [3 4]", oscan.Naxisn)
	}

	if _, err:=NewOverscanCollection(filepath.Join(dir, "x"), "diagonal"); err==nil {
		t.Errorf("bad mosaic axis accepted")
	}
}

func TestSubtractOverscanEndToEnd(t *testing.T) {
	quietLog(t)
	dir:=t.TempDir()
	outDir:=filepath.Join(dir, "proc")

	im:=fits.NewImage("IM1", 12, 10)
	for y:=0; y<10; y++ {
		for x:=0; x<12; x++ {
			v:=float32(1000)
			if x>=8 {
				v=100
			} else if y>=8 {
				v=50
			}
			im.Data[y*12+x]=v
		}
	}
	im.Header.Set("DATASEC", "[1:8,1:8]", "")
	im.Header.Set("BIASSEC", "[9:12,1:8]", "")
	raw:=filepath.Join(dir, "bokrm.0001.fits")
	primary:=fits.NewHeader()
	primary.Set("OBJECT", "flat field", "")
	mustWriteMEF(t, raw, primary, []*fits.Image{im})

	p:=&OverscanStageParams{
		Fit:              OverscanParams{Reject: "none", Method: "mean"},
		OutputMap:        &fits.FileNameMap{NewDir: outDir},
		WriteDiagnostics: true,
		DiagColsBase:     filepath.Join(dir, "oscan_cols"),
		DiagRowsBase:     filepath.Join(dir, "oscan_rows"),
		Extensions:       []string{"IM1"},
	}
	if err:=SubtractOverscan([]string{raw}, p); err!=nil {
		t.Fatalf("SubtractOverscan: %v", err)
	}

	f, err:=fits.ReadMEF(filepath.Join(outDir, "bokrm.0001.fits"))
	if err!=nil { t.Fatalf("read output: %v", err) }
	out, err:=f.Image("IM1")
	if err!=nil { t.Fatalf("Image: %v", err) }
	if !fits.EqualInt32Slice(out.Naxisn, []int32{8, 8}) {
		t.Fatalf("output shape %v want [8 8]", out.Naxisn)
	}
	for i, v:=range out.Data {
		if v!=850 { t.Fatalf("pixel %d=%v want 850 after both models", i, v) }
	}
	if v, _:=out.Header.Str("OSCANSUB"); v!="method=mean" {
		t.Errorf("OSCANSUB=%q", v)
	}
	if v, ok:=out.Header.Float("OSCANMED"); !ok || v!=100 {
		t.Errorf("OSCANMED=%v,%v want 100", v, ok)
	}
	if v, _:=out.Header.Str("BIASSEC"); v!="[9:12,1:8]" {
		t.Errorf("BIASSEC not carried over: %q", v)
	}
	if v, _:=f.Primary.Str("OBJECT"); v!="flat field" {
		t.Errorf("primary OBJECT=%q", v)
	}

	diag, err:=fits.ReadMEF(filepath.Join(dir, "oscan_cols_IM1.fits"))
	if err!=nil { t.Fatalf("column diagnostics: %v", err) }
	oscan, err:=diag.Image("OSCAN")
	if err!=nil { t.Fatalf("diagnostic OSCAN: %v", err) }
	if !fits.EqualInt32Slice(oscan.Naxisn, []int32{4, 8}) || oscan.Data[0]!=100 {
		t.Errorf("diagnostic OSCAN shape %v first %v", oscan.Naxisn, oscan.Data[0])
	}
	if _, err:=fits.ReadMEF(filepath.Join(dir, "oscan_rows_IM1.fits")); err!=nil {
		t.Errorf("row diagnostics: %v", err)
	}
}

func TestSubtractOverscanThreeAmps(t *testing.T) {
	quietLog(t)
	dir:=t.TempDir()
	outDir:=filepath.Join(dir, "proc")

	ims:=make([]*fits.Image, 3)
	for k:=range ims {
		im:=fits.NewImage(fmt.Sprintf("IM%d", k+1), 10, 6)
		for y:=0; y<6; y++ {
			for x:=0; x<10; x++ {
				v:=float32(5000)
				if x>=6 { v=100 }
				im.Data[y*10+x]=v
			}
		}
		im.Header.Set("DATASEC", "[1:6,1:6]", "")
		im.Header.Set("BIASSEC", "[7:10,1:6]", "")
		ims[k]=im
	}
	raw:=filepath.Join(dir, "bokrm.0002.fits")
	mustWriteMEF(t, raw, nil, ims)

	p:=&OverscanStageParams{
		Fit:        OverscanParams{Reject: "none", Method: "mean"},
		OutputMap:  &fits.FileNameMap{NewDir: outDir},
		Extensions: []string{"IM1", "IM2", "IM3"},
	}
	if err:=SubtractOverscan([]string{raw}, p); err!=nil {
		t.Fatalf("SubtractOverscan: %v", err)
	}

	outFile:=filepath.Join(outDir, "bokrm.0002.fits")
	f, err:=fits.ReadMEF(outFile)
	if err!=nil { t.Fatalf("read output: %v", err) }
	first:=make(map[string][]float32, 3)
	for _, extName:=range []string{"IM1", "IM2", "IM3"} {
		out, err:=f.Image(extName)
		if err!=nil { t.Fatalf("%s: %v", extName, err) }
		if !fits.EqualInt32Slice(out.Naxisn, []int32{6, 6}) {
			t.Fatalf("%s shape %v want [6 6]", extName, out.Naxisn)
		}
		for i, v:=range out.Data {
			if v!=4900 { t.Fatalf("%s pixel %d=%v want 4900", extName, i, v) }
		}
		first[extName]=out.Data
	}

	// a rerun with overwrite reproduces the pixels bit for bit
	p.Overwrite=true
	if err:=SubtractOverscan([]string{raw}, p); err!=nil {
		t.Fatalf("rerun: %v", err)
	}
	f, err=fits.ReadMEF(outFile)
	if err!=nil { t.Fatalf("reread output: %v", err) }
	for extName, want:=range first {
		out, err:=f.Image(extName)
		if err!=nil { t.Fatalf("%s: %v", extName, err) }
		for i, v:=range out.Data {
			if v!=want[i] { t.Fatalf("%s pixel %d=%v want %v after rerun", extName, i, v, want[i]) }
		}
	}
}

func TestSubtractOverscanRequiresOutputMap(t *testing.T) {
	var missing *MissingConfigurationError
	if err:=SubtractOverscan([]string{"x.fits"}, &OverscanStageParams{}); !errors.As(err, &missing) {
		t.Fatalf("err=%v want MissingConfigurationError", err)
	}
}
