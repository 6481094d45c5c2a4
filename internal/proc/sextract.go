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
	"os"
	"os/exec"

	"github.com/findaz/rapala/internal/fits"
	"github.com/findaz/rapala/internal/stats"
)

// SExtractParams configures the external source extraction pass and the
// object mask growth that follows it.
type SExtractParams struct {
	Command       string            // source extractor binary
	ConfigFile    string            // its configuration file
	CatalogMap    *fits.FileNameMap // catalog output per frame
	ObjMaskMap    *fits.FileNameMap // segmentation mask per frame, nil skips masks
	GrowThreshold float32           // smoothed SNR above which masks may grow
	StatsRegion   string            // region sampling the sky statistics
	Overwrite     bool
}

// NewSExtractParams returns extraction settings with standard values.
func NewSExtractParams() *SExtractParams {
	return &SExtractParams{
		Command:       "sex",
		ConfigFile:    "config/bok_pass1.sex",
		CatalogMap:    &fits.FileNameMap{NewSuffix: ".cat1"},
		ObjMaskMap:    &fits.FileNameMap{NewSuffix: ".obj"},
		GrowThreshold: 1.25,
		StatsRegion:   "ccd_central_quadrant",
	}
}

func (p *SExtractParams) String() string {
	return fmt.Sprintf("command %s config %s growThreshold %.2f overwrite %v",
		p.Command, p.ConfigFile, p.GrowThreshold, p.Overwrite)
}

// SExtractPass1 runs the external source extractor on each assembled frame
// and grows the returned segmentation masks to cover the faint outskirts
// of every object. Frames whose catalog already exists are skipped unless
// Overwrite is set. The grown masks replace the segmentation file contents
// as int16 images, nonzero meaning object.
func SExtractPass1(fileNames []string, p *SExtractParams) error {
	for _, fileName:=range fileNames {
		catalogFile:=p.CatalogMap.Map(fileName)
		if _, err:=os.Stat(catalogFile); err==nil && !p.Overwrite { continue }

		args:=[]string{"-c", p.ConfigFile, "-CATALOG_NAME", catalogFile}
		var maskFile string
		if p.ObjMaskMap!=nil {
			maskFile=p.ObjMaskMap.Map(fileName)
			args=append(args, "-CHECKIMAGE_TYPE", "SEGMENTATION", "-CHECKIMAGE_NAME", maskFile)
		}
		args=append(args, fileName)
		LogPrintf("sextract %s %v\n", p.Command, args)
		cmd:=exec.Command(p.Command, args...)
		out, err:=cmd.CombinedOutput()
		if len(out)>0 { LogPrintf("%s", out) }
		if err!=nil { return fmt.Errorf("%s: %s: %w", fileName, p.Command, err) }

		if p.ObjMaskMap==nil { continue }
		if err:=growMaskFile(fileName, maskFile, p); err!=nil {
			return fmt.Errorf("%s: %w", fileName, err)
		}
	}
	return nil
}

func growMaskFile(fileName, maskFile string, p *SExtractParams) error {
	f, err:=fits.ReadMEF(fileName)
	if err!=nil { return err }
	maskF, err:=fits.ReadMEF(maskFile)
	if err!=nil { return err }
	grown:=make([]*fits.Image, 0, len(CCDExtensions))
	for _, extName:=range CCDExtensions {
		im, err:=f.Image(extName)
		if err!=nil { return err }
		objs, err:=maskF.Image(extName)
		if err!=nil { return err }
		g, err:=GrowObjMask(im, objs, p.GrowThreshold, p.StatsRegion)
		if err!=nil { return err }
		g.Header=objs.Header.Clone()
		grown=append(grown, g)
	}
	return fits.WriteMEF(maskFile, maskF.Primary, grown, true)
}

// GrowObjMask extends a segmentation mask outward over every connected
// pixel whose smoothed signal to noise ratio exceeds thresh. The sky level
// and noise come from the sigma-clipped stats region of the image; the SNR
// image is smoothed with a small Gaussian so single noise pixels do not
// bridge objects. Returns an int16 image with 1 marking object pixels.
func GrowObjMask(im, objs *fits.Image, thresh float32, statsRegion string) (*fits.Image, error) {
	if !fits.EqualInt32Slice(objs.Naxisn, im.Naxisn) {
		return nil, &ShapeMismatchError{ExtName: im.ExtName, Want: im.Naxisn, Got: objs.Naxisn}
	}
	reg, err:=StatsRegion(statsRegion)
	if err!=nil { return nil, err }
	skyPix:=im.Section(reg)
	stats.SigmaClip(skyPix, 5, 2.5)
	skyMean, skyStdDev, _:=stats.MeanStdDev(skyPix)

	w, h:=int(im.Naxisn[0]), int(im.Naxisn[1])
	snr:=make([]float32, len(im.Data))
	for i, v:=range im.Data {
		snr[i]=(v-skyMean)/skyStdDev
	}
	snr=convolveSeparable(snr, w, h, gaussianKernel1D(0.75, 7))
	inf:=float32(math.Inf(1))
	for i, v:=range snr {
		if isNaN32(v) { snr[i]=inf }
	}

	out:=fits.NewImage(im.ExtName, im.Naxisn[0], im.Naxisn[1])
	out.Bitpix=16
	queue:=make([]int, 0, len(objs.Data)/16)
	for i, v:=range objs.Data {
		if v>0 {
			out.Data[i]=1
			queue=append(queue, i)
		}
	}
	for len(queue)>0 {
		i:=queue[len(queue)-1]
		queue=queue[:len(queue)-1]
		x, y:=i%w, i/w
		for _, n:=range [4]int{i-1, i+1, i-w, i+w} {
			switch n {
			case i-1:
				if x==0 { continue }
			case i+1:
				if x==w-1 { continue }
			case i-w:
				if y==0 { continue }
			case i+w:
				if y==h-1 { continue }
			}
			if out.Data[n]==0 && snr[n]>thresh {
				out.Data[n]=1
				queue=append(queue, n)
			}
		}
	}
	return out, nil
}

// gaussianKernel1D samples a centered Gaussian at integer offsets and
// normalizes it to unit sum. size must be odd.
func gaussianKernel1D(sigma float64, size int) []float32 {
	k:=make([]float32, size)
	r:=size/2
	var sum float64
	for i:=0; i<size; i++ {
		d:=float64(i-r)
		v:=math.Exp(-d*d/(2*sigma*sigma))
		k[i]=float32(v)
		sum+=v
	}
	for i:=range k { k[i]/=float32(sum) }
	return k
}

// convolveSeparable applies a normalized 1D kernel along rows and then
// columns, treating pixels outside the image as zero.
func convolveSeparable(d []float32, w, h int, k []float32) []float32 {
	r:=len(k)/2
	tmp:=make([]float32, len(d))
	for y:=0; y<h; y++ {
		for x:=0; x<w; x++ {
			var acc float32
			for t:=-r; t<=r; t++ {
				xx:=x+t
				if xx<0 || xx>=w { continue }
				acc+=k[t+r]*d[y*w+xx]
			}
			tmp[y*w+x]=acc
		}
	}
	out:=make([]float32, len(d))
	for y:=0; y<h; y++ {
		for x:=0; x<w; x++ {
			var acc float32
			for t:=-r; t<=r; t++ {
				yy:=y+t
				if yy<0 || yy>=h { continue }
				acc+=k[t+r]*tmp[yy*w+x]
			}
			out[y*w+x]=acc
		}
	}
	return out
}
