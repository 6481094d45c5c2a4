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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/findaz/rapala/internal/fits"
)

func TestGaussianKernel1D(t *testing.T) {
	k:=gaussianKernel1D(0.75, 7)
	if len(k)!=7 { t.Fatalf("len=%d want 7", len(k)) }
	var sum float32
	for _, v:=range k { sum+=v }
	if !almost(sum, 1, 1e-5) {
		t.Errorf("sum=%v want 1", sum)
	}
	if k[0]!=k[6] || k[1]!=k[5] || k[2]!=k[4] {
		t.Errorf("kernel not symmetric: %v", k)
	}
	if !(k[3]>k[2] && k[2]>k[1] && k[1]>k[0]) {
		t.Errorf("kernel not peaked at center: %v", k)
	}
	if k:=gaussianKernel1D(2, 1); len(k)!=1 || k[0]!=1 {
		t.Errorf("size 1 kernel=%v want [1]", k)
	}
}

func TestConvolveSeparable(t *testing.T) {
	k:=gaussianKernel1D(0.75, 3)
	a, b:=k[0], k[1]

	impulse:=make([]float32, 25)
	impulse[2*5+2]=1
	out:=convolveSeparable(impulse, 5, 5, k)
	if !almost(out[2*5+2], b*b, 1e-6) {
		t.Errorf("center=%v want %v", out[2*5+2], b*b)
	}
	if !almost(out[1*5+2], a*b, 1e-6) {
		t.Errorf("above center=%v want %v", out[1*5+2], a*b)
	}
	if !almost(out[1*5+1], a*a, 1e-6) {
		t.Errorf("diagonal=%v want %v", out[1*5+1], a*a)
	}
	var sum float32
	for _, v:=range out { sum+=v }
	if !almost(sum, 1, 1e-5) {
		t.Errorf("impulse response sum=%v want 1", sum)
	}

	ones:=make([]float32, 25)
	for i:=range ones { ones[i]=1 }
	out=convolveSeparable(ones, 5, 5, k)
	if !almost(out[2*5+2], 1, 1e-5) {
		t.Errorf("interior=%v want 1", out[2*5+2])
	}
	// zero padding shrinks the response at the border
	if out[0]>0.9 {
		t.Errorf("corner=%v want <0.9", out[0])
	}
}

func TestGrowObjMask(t *testing.T) {
	const w, h = 520, 520
	im:=fits.NewImage("CCD1", w, h)
	for y:=0; y<h; y++ {
		for x:=0; x<w; x++ {
			v:=float32(99)
			if (x+y)%2==1 { v=101 }
			im.Data[y*w+x]=v
		}
	}
	// a 5x5 star block fully above the growth threshold
	for y:=100; y<105; y++ {
		for x:=100; x<105; x++ { im.Data[y*w+x]=400 }
	}
	objs:=fits.NewImage("CCD1", w, h)
	objs.Data[102*w+102]=7

	out, err:=GrowObjMask(im, objs, 1.25, "amp_corner_ccdcenter_small")
	if err!=nil { t.Fatalf("GrowObjMask: %v", err) }
	if out.Bitpix!=16 || out.ExtName!="CCD1" {
		t.Errorf("Bitpix=%d ExtName=%s want 16 CCD1", out.Bitpix, out.ExtName)
	}
	if out.Data[102*w+102]!=1 {
		t.Errorf("seed pixel not marked")
	}
	if out.Data[102*w+106]!=1 {
		t.Errorf("star outskirts not grown")
	}
	if out.Data[102*w+107]!=0 {
		t.Errorf("mask grew past the smoothed star footprint")
	}
	if out.Data[10*w+10]!=0 {
		t.Errorf("mask reached the far sky")
	}
	count:=0
	for _, v:=range out.Data {
		if v!=0 { count++ }
	}
	if count<69 || count>81 {
		t.Errorf("grown mask has %d pixels want 69..81", count)
	}
}

func TestGrowObjMaskErrors(t *testing.T) {
	im:=constImage("CCD1", 8, 8, 100)
	var mismatch *ShapeMismatchError
	if _, err:=GrowObjMask(im, constImage("CCD1", 4, 4, 0), 1.25, "amp_corner_ccdcenter_small"); !errors.As(err, &mismatch) {
		t.Errorf("shape mismatch err=%v", err)
	}
	var unknown *UnknownRegionError
	if _, err:=GrowObjMask(im, constImage("CCD1", 8, 8, 0), 1.25, "bogus"); !errors.As(err, &unknown) {
		t.Errorf("unknown region err=%v", err)
	}
}

func TestSExtractPass1SkipsExistingCatalogs(t *testing.T) {
	quietLog(t)
	dir:=t.TempDir()
	fileName:=filepath.Join(dir, "sci.fits")
	if err:=os.WriteFile(fileName, []byte("not read"), 0644); err!=nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p:=NewSExtractParams()
	p.Command="rapala-no-such-binary"
	catalogFile:=p.CatalogMap.Map(fileName)
	if err:=os.WriteFile(catalogFile, nil, 0644); err!=nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err:=SExtractPass1([]string{fileName}, p); err!=nil {
		t.Errorf("existing catalog should skip the frame: %v", err)
	}

	p.Overwrite=true
	err:=SExtractPass1([]string{fileName}, p)
	if err==nil || !strings.Contains(err.Error(), "rapala-no-such-binary") {
		t.Errorf("missing extractor binary err=%v", err)
	}
}
