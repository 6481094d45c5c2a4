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
	"path/filepath"
	"testing"

	"github.com/findaz/rapala/internal/fits"
)

func TestStackFlats(t *testing.T) {
	quietLog(t)
	dir:=t.TempDir()

	biasFile:=filepath.Join(dir, "bias.fits")
	mustWriteMEF(t, biasFile, nil, []*fits.Image{constImage("IM1", 512, 512, 10)})

	levels:=[]float32{110, 210}
	fileNames:=make([]string, len(levels))
	for k, v:=range levels {
		im:=constImage("IM1", 512, 512, v)
		im.Data[7]=nan32
		fileNames[k]=filepath.Join(dir, fmt.Sprintf("flat%d.fits", k+1))
		mustWriteMEF(t, fileNames[k], nil, []*fits.Image{im})
	}

	outFile:=filepath.Join(dir, "flat.fits")
	varFile:=filepath.Join(dir, "flat_var.fits")
	p:=NewFlatStackParams()
	if err:=StackFlats(fileNames, biasFile, outFile, varFile, &p); err!=nil {
		t.Fatalf("StackFlats: %v", err)
	}

	f, err:=fits.ReadMEF(outFile)
	if err!=nil { t.Fatalf("read master: %v", err) }
	im, err:=f.Image("IM1")
	if err!=nil { t.Fatalf("Image: %v", err) }
	for _, i:=range []int{0, 1000, 512*512 - 1} {
		if !almost(im.Data[i], 1, 1e-4) {
			t.Errorf("flat pixel %d=%v want 1", i, im.Data[i])
		}
	}
	// pixel bad in every frame falls back to a gain of 1
	if im.Data[7]!=1 {
		t.Errorf("masked pixel=%v want 1", im.Data[7])
	}
	if v, ok:=im.Header.Float("FLATNORM"); !ok || !almost(float32(v), 200, 1e-2) {
		t.Errorf("FLATNORM=%v,%v want 200", v, ok)
	}
	if v, _:=im.Header.Float("FLTSCL01"); !almost(float32(v), 2, 1e-4) {
		t.Errorf("FLTSCL01=%v want 2", v)
	}
	if v, _:=im.Header.Float("FLTSCL02"); !almost(float32(v), 1, 1e-4) {
		t.Errorf("FLTSCL02=%v want 1", v)
	}
	if v, _:=f.Primary.Str("FLAT001"); v!="flat1.fits" {
		t.Errorf("FLAT001=%q want flat1.fits", v)
	}

	vf, err:=fits.ReadMEF(varFile)
	if err!=nil { t.Fatalf("read variance: %v", err) }
	vim, err:=vf.Image("IM1")
	if err!=nil { t.Fatalf("variance Image: %v", err) }
	if vim.Data[0]!=0 { t.Errorf("variance=%v want 0", vim.Data[0]) }
}

func TestStackFlatsRetainCounts(t *testing.T) {
	quietLog(t)
	dir:=t.TempDir()
	fileNames:=[]string{filepath.Join(dir, "flat1.fits")}
	mustWriteMEF(t, fileNames[0], nil, []*fits.Image{constImage("IM1", 512, 512, 100)})
	outFile:=filepath.Join(dir, "flat.fits")
	p:=NewFlatStackParams()
	p.RetainCounts=true
	if err:=StackFlats(fileNames, "", outFile, "", &p); err!=nil {
		t.Fatalf("StackFlats: %v", err)
	}
	f, err:=fits.ReadMEF(outFile)
	if err!=nil { t.Fatalf("read master: %v", err) }
	im, err:=f.Image("IM1")
	if err!=nil { t.Fatalf("Image: %v", err) }
	if !almost(im.Data[0], 100, 1e-3) {
		t.Errorf("counts flat=%v want 100", im.Data[0])
	}
	if v, _:=im.Header.Float("FLATNORM"); v!=1 {
		t.Errorf("FLATNORM=%v want 1 when counts are retained", v)
	}
}

func TestStackFlatsRequireFrames(t *testing.T) {
	p:=NewFlatStackParams()
	var missing *MissingConfigurationError
	if err:=StackFlats(nil, "", "o.fits", "", &p); !errors.As(err, &missing) {
		t.Fatalf("err=%v want MissingConfigurationError", err)
	}
}
