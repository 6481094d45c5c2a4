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
	"path/filepath"
	"testing"

	"github.com/findaz/rapala/internal/fits"
)

func TestProcessRound1(t *testing.T) {
	quietLog(t)
	dir:=t.TempDir()
	sciFile:=filepath.Join(dir, "sci.fits")
	biasFile:=filepath.Join(dir, "bias.fits")
	flatFile:=filepath.Join(dir, "flat.fits")

	primary:=fits.NewHeader()
	primary.Set("OBJECT", "ngc1", "")
	mustWriteMEF(t, sciFile, primary, []*fits.Image{
		constImage("IM1", 6, 4, 1100), constImage("IM2", 6, 4, 2100),
	})
	mustWriteMEF(t, biasFile, nil, []*fits.Image{
		constImage("IM1", 6, 4, 100), constImage("IM2", 6, 4, 100),
	})
	mustWriteMEF(t, flatFile, nil, []*fits.Image{
		constImage("IM1", 6, 4, 2), constImage("IM2", 6, 4, 0.5),
	})

	p:=&Round1Params{
		BiasFile:   biasFile,
		FlatFile:   flatFile,
		OutputMap:  &fits.FileNameMap{NewSuffix: "_p"},
		BiasSubMap: &fits.FileNameMap{NewSuffix: "_b"},
		FlatDivMap: &fits.FileNameMap{NewSuffix: "_f"},
	}
	if err:=ProcessRound1([]string{sciFile}, p); err!=nil {
		t.Fatalf("ProcessRound1: %v", err)
	}

	f, err:=fits.ReadMEF(filepath.Join(dir, "sci_p.fits"))
	if err!=nil { t.Fatalf("ReadMEF: %v", err) }
	if v, ok:=f.Primary.Str("OBJECT"); !ok || v!="ngc1" {
		t.Errorf("OBJECT=%q,%v want ngc1", v, ok)
	}
	want:=map[string]float32{"IM1": 500, "IM2": 4000}
	for extName, wantV:=range want {
		im, err:=f.Image(extName)
		if err!=nil { t.Fatalf("%s: %v", extName, err) }
		for _, i:=range []int{0, 11, 23} {
			if im.Data[i]!=wantV {
				t.Errorf("%s pixel %d=%v want %v", extName, i, im.Data[i], wantV)
			}
		}
		if v, ok:=im.Header.Str("BIASFILE"); !ok || v!=biasFile {
			t.Errorf("%s BIASFILE=%q,%v want %s", extName, v, ok, biasFile)
		}
		if v, ok:=im.Header.Str("FLATFILE"); !ok || v!=flatFile {
			t.Errorf("%s FLATFILE=%q,%v want %s", extName, v, ok, flatFile)
		}
	}

	b, err:=fits.ReadMEF(filepath.Join(dir, "sci_b.fits"))
	if err!=nil { t.Fatalf("bias snapshot: %v", err) }
	bim, err:=b.Image("IM2")
	if err!=nil { t.Fatalf("IM2: %v", err) }
	if bim.Data[0]!=2000 {
		t.Errorf("bias snapshot IM2=%v want 2000", bim.Data[0])
	}
	if bim.Header.Has("BIASFILE") {
		t.Errorf("bias snapshot carries calibration cards")
	}

	d, err:=fits.ReadMEF(filepath.Join(dir, "sci_f.fits"))
	if err!=nil { t.Fatalf("flat snapshot: %v", err) }
	dim, err:=d.Image("IM1")
	if err!=nil { t.Fatalf("IM1: %v", err) }
	if dim.Data[0]!=500 {
		t.Errorf("flat snapshot IM1=%v want 500", dim.Data[0])
	}
}

func TestProcessRound1InPlace(t *testing.T) {
	quietLog(t)
	dir:=t.TempDir()
	sciFile:=filepath.Join(dir, "sci.fits")
	biasFile:=filepath.Join(dir, "bias.fits")
	flatFile:=filepath.Join(dir, "flat.fits")
	mustWriteMEF(t, sciFile, nil, []*fits.Image{constImage("IM1", 4, 4, 300)})
	mustWriteMEF(t, biasFile, nil, []*fits.Image{constImage("IM1", 4, 4, 100)})
	mustWriteMEF(t, flatFile, nil, []*fits.Image{constImage("IM1", 4, 4, 2)})

	p:=&Round1Params{BiasFile: biasFile, FlatFile: flatFile}
	if err:=ProcessRound1([]string{sciFile}, p); err!=nil {
		t.Fatalf("ProcessRound1: %v", err)
	}
	f, err:=fits.ReadMEF(sciFile)
	if err!=nil { t.Fatalf("ReadMEF: %v", err) }
	im, err:=f.Image("IM1")
	if err!=nil { t.Fatalf("IM1: %v", err) }
	if im.Data[5]!=100 {
		t.Errorf("in place result=%v want 100", im.Data[5])
	}
}

func TestProcessRound1Errors(t *testing.T) {
	quietLog(t)
	var missing *MissingConfigurationError
	if err:=ProcessRound1(nil, &Round1Params{FlatFile: "f.fits"}); !errors.As(err, &missing) {
		t.Errorf("missing bias err=%v", err)
	}
	if err:=ProcessRound1(nil, &Round1Params{BiasFile: "b.fits"}); !errors.As(err, &missing) {
		t.Errorf("missing flat err=%v", err)
	}

	dir:=t.TempDir()
	sciFile:=filepath.Join(dir, "sci.fits")
	biasFile:=filepath.Join(dir, "bias.fits")
	flatFile:=filepath.Join(dir, "flat.fits")
	mustWriteMEF(t, sciFile, nil, []*fits.Image{constImage("IM1", 6, 4, 1100)})
	mustWriteMEF(t, biasFile, nil, []*fits.Image{constImage("IM1", 4, 4, 100)})
	mustWriteMEF(t, flatFile, nil, []*fits.Image{constImage("IM1", 6, 4, 2)})

	p:=&Round1Params{BiasFile: biasFile, FlatFile: flatFile, OutputMap: &fits.FileNameMap{NewSuffix: "_p"}}
	var mismatch *ShapeMismatchError
	err:=ProcessRound1([]string{sciFile}, p)
	if !errors.As(err, &mismatch) {
		t.Fatalf("shape mismatch err=%v", err)
	}
	if mismatch.FileName!=biasFile {
		t.Errorf("mismatch file=%s want %s", mismatch.FileName, biasFile)
	}
}
