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
	"strconv"
	"strings"

	"github.com/findaz/rapala/internal/fits"
	"github.com/findaz/rapala/internal/stats"
)

// Region used to balance CCDs against each other through the sky level of
// their center amplifier corner nearest the field center. Intentionally not
// configurable, the inter-CCD balance must always sample the same sky.
const interCCDRegion = "centeramp_corner_fovcenter"

// MosaicParams configures amplifier gain balancing and CCD assembly.
type MosaicParams struct {
	InputGain      map[string]float32 // per-amplifier gain, nil means nominal values
	SkyGainCorrect bool               // refine gains from sky levels
	StatsRegion    string             // region sampling the sky for intra-CCD balance
	ClipIters      int
	ClipSig        float32
	Origin         string            // WCS convention: "center" or "lower left"
	OutputMap      *fits.FileNameMap // nil assembles in place
	Overwrite      bool
}

// NewMosaicParams returns mosaic settings with standard values.
func NewMosaicParams() *MosaicParams {
	return &MosaicParams{
		InputGain:      NominalGains(),
		SkyGainCorrect: true,
		StatsRegion:    "amp_corner_ccdcenter",
		ClipIters:      3,
		ClipSig:        2.5,
		Origin:         "center",
	}
}

func (p *MosaicParams) String() string {
	return fmt.Sprintf("skyGainCorrect %v statsRegion %s clipIters %d clipSig %.1f origin %q",
		p.SkyGainCorrect, p.StatsRegion, p.ClipIters, p.ClipSig, p.Origin)
}

// CombineCCDs assembles the sixteen amplifier extensions of each detrended
// frame into four CCD mosaics, balancing the amplifiers with a gain
// correction first. Amplifiers within a CCD are scaled to their reference
// amplifier through clipped sky levels, and whole CCDs are scaled to CCD1
// through the sky in their center amplifier. The output carries extensions
// CCD1 through CCD4 with mosaic and WCS cards for the chosen origin
// convention. Files are processed in parallel.
func CombineCCDs(fileNames []string, p *MosaicParams) error {
	if p.InputGain==nil { p.InputGain=NominalGains() }
	errs:=make([]error, len(fileNames))
	sem:=make(chan bool, Parallelism())
	for i, fileName:=range fileNames {
		sem<-true
		go func(i int, fileName string) {
			defer func() { <-sem }()
			errs[i]=combineCCDFile(fileName, p)
		}(i, fileName)
	}
	for i:=0; i<cap(sem); i++ { sem<-true }
	for i, err:=range errs {
		if err!=nil { return fmt.Errorf("%s: %w", fileNames[i], err) }
	}
	return nil
}

func combineCCDFile(fileName string, p *MosaicParams) error {
	f, err:=fits.ReadMEF(fileName)
	if err!=nil { return err }
	outName, allowOverwrite:=fits.ResolveOutput(p.OutputMap, fileName, p.Overwrite)
	LogPrintf("combine %s -> %s\n", fileName, outName)

	var refSky float32
	var haveRefSky bool
	tiles:=make([]*fits.Image, 0, 4)
	for ccdNum:=1; ccdNum<=4; ccdNum++ {
		extGroup:=CCDAmpExtensions(ccdNum)
		ims:=make([]*fits.Image, len(extGroup))
		for i, extName:=range extGroup {
			if ims[i], err=f.Image(extName); err!=nil { return err }
		}
		center, err:=f.Image(CenterAmps[ccdNum-1])
		if err!=nil { return err }
		hdr:=center.Header.Clone()

		centerSky, haveSky, err:=balanceGains(ims, extGroup, ccdNum, hdr, refSky, haveRefSky, p)
		if err!=nil { return err }
		if ccdNum==1 { refSky, haveRefSky=centerSky, haveSky }

		tile, err:=orientMosaic(ims, hdr, ccdNum, p.Origin)
		if err!=nil { return err }
		tile.ExtName=fmt.Sprintf("CCD%d", ccdNum)
		tiles=append(tiles, tile)
	}

	primary:=f.Primary.Clone()
	primary.Set("DETSIZE", fmt.Sprintf("[1:%d,1:%d]", 2*tiles[0].Naxisn[0], 2*tiles[0].Naxisn[1]), "full detector size")
	primary.Set("NEXTEND", 4, "")
	return fits.WriteMEF(outName, primary, tiles, allowOverwrite)
}

// balanceGains scales the four amplifier images of one CCD onto a common
// photometric level, in place, and records the correction factors on hdr.
// Starting from the input gains, amplifiers are tied to the designated
// reference amplifier through their clipped sky levels, and the CCD as a
// whole is tied to refSky through the sky in its center amplifier corner
// nearest the field center. Returns that center sky level in corrected
// units so the first CCD can serve as reference for the others. Without
// sky gain correction only the input gains are applied.
func balanceGains(ims []*fits.Image, extGroup []string, ccdNum int, hdr *fits.Header,
	refSky float32, haveRefSky bool, p *MosaicParams) (centerSky float32, haveSky bool, err error) {
	gain:=make([]float32, len(extGroup))
	for i, extName:=range extGroup {
		g, ok:=p.InputGain[extName]
		if !ok { return 0, false, &MissingConfigurationError{Key: "input gain for "+extName} }
		gain[i]=g
	}

	if !p.SkyGainCorrect {
		for i, extName:=range extGroup {
			hdr.Set(fmt.Sprintf("GAIN%02d%c1", ampNumber(extName), "ABCD"[i]), gain[i], "gain applied")
		}
		for i, im:=range ims {
			for j:=range im.Data { im.Data[j]*=gain[i] }
		}
		return 0, false, nil
	}

	intraReg, err:=StatsRegion(p.StatsRegion)
	if err!=nil { return 0, false, err }
	interReg, err:=StatsRegion(interCCDRegion)
	if err!=nil { return 0, false, err }

	rawSky:=make([]float32, len(ims))
	skyCounts:=make([]float32, len(ims))
	for i, im:=range ims {
		rawSky[i]=stats.ClippedMean(im.Section(intraReg), p.ClipIters, p.ClipSig)
		skyCounts[i]=rawSky[i]*gain[i]
	}
	refIdx:=indexOf(extGroup, RefAmps[ccdNum-1])
	ci:=indexOf(extGroup, CenterAmps[ccdNum-1])
	if refIdx<0 || ci<0 {
		return 0, false, fmt.Errorf("CCD%d group %v lacks reference or center amplifier", ccdNum, extGroup)
	}
	gain2:=make([]float32, len(ims))
	for i:=range gain2 { gain2[i]=skyCounts[refIdx]/skyCounts[i] }

	centerSky=stats.ClippedMean(ims[ci].Section(interReg), p.ClipIters, p.ClipSig)
	centerSky*=gain[ci]*gain2[ci]
	gain3:=float32(1)
	if haveRefSky { gain3=refSky/centerSky }

	for i, extName:=range extGroup {
		chNum:=ampNumber(extName)
		hdr.Set(fmt.Sprintf("SKYC%02d%c1", chNum, "ABCD"[i]), rawSky[i], "sky level before gain")
		hdr.Set(fmt.Sprintf("GAIN%02d%c1", chNum, "ABCD"[i]), gain[i], "input gain")
		hdr.Set(fmt.Sprintf("GAIN%02d%c2", chNum, "ABCD"[i]), gain2[i], "intra-CCD sky correction")
	}
	hdr.Set("CCDGAIN3", gain3, "inter-CCD sky correction")

	for i, im:=range ims {
		g:=gain[i]*gain2[i]*gain3
		for j:=range im.Data { im.Data[j]*=g }
	}
	return centerSky, true, nil
}

func ampNumber(extName string) int {
	n, _:=strconv.Atoi(strings.TrimPrefix(extName, "IM"))
	return n
}

func indexOf(xs []string, s string) int {
	for i, x:=range xs {
		if x==s { return i }
	}
	return -1
}

// orientMosaic rotates the four amplifier quadrants of one CCD sky-north
// and assembles them into a single tile, rewriting the mosaic and WCS cards
// on hdr for the chosen origin convention. The two conventions disagree by
// one pixel in physical coordinates for the right-hand detector column.
func orientMosaic(ims []*fits.Image, hdr *fits.Header, ccdNum int, origin string) (*fits.Image, error) {
	if len(ims)!=4 { return nil, fmt.Errorf("CCD%d: have %d amplifiers", ccdNum, len(ims)) }
	w0, h0:=ims[0].Naxisn[0], ims[0].Naxisn[1]
	for _, im:=range ims {
		if !fits.EqualInt32Slice(im.Naxisn, ims[0].Naxisn) {
			return nil, &ShapeMismatchError{ExtName: im.ExtName, Want: ims[0].Naxisn, Got: im.Naxisn}
		}
	}
	tw, th:=int(h0), int(w0)

	t1:=rot90(ims[0].Data, int(w0), int(h0))
	t2:=flipud(rot90(ims[1].Data, int(w0), int(h0)), tw, th)
	t3:=fliplr(rot90(ims[2].Data, int(w0), int(h0)), tw, th)
	t4:=rot270(ims[3].Data, int(w0), int(h0))

	nx, ny:=2*tw, 2*th
	out:=fits.NewImage("", int32(nx), int32(ny))
	blit(out.Data, nx, t2, tw, th, 0, 0)
	blit(out.Data, nx, t4, tw, th, tw, 0)
	blit(out.Data, nx, t1, tw, th, 0, th)
	blit(out.Data, nx, t3, tw, th, tw, th)

	if origin=="center" {
		switch ccdNum {
		case 1:
			out.Data=fliplr(out.Data, nx, ny)
		case 2:
			out.Data=rot180(out.Data, nx, ny)
		case 4:
			out.Data=flipud(out.Data, nx, ny)
		}
	} else if origin!="lower left" {
		return nil, &UnsupportedMethodError{Op: "mosaic origin", Method: origin}
	}

	detI:=(ccdNum-1)/2
	detJ:=ccdNum%2
	hdr.Set("DATASEC", fmt.Sprintf("[1:%d,1:%d]", nx, ny), "")
	hdr.Set("DETSEC", fmt.Sprintf("[%d:%d,%d:%d]", nx*detI+1, nx*(detI+1), ny*detJ+1, ny*(detJ+1)), "")

	cd11, ok1:=hdr.Float("CD1_1")
	cd12, ok2:=hdr.Float("CD1_2")
	if !ok1 || !ok2 { return nil, fmt.Errorf("CCD%d: missing CD matrix cards", ccdNum) }
	plateScale:=math.Abs(cd11)
	if a:=math.Abs(cd12); a>plateScale { plateScale=a }

	if origin=="center" {
		// correct in WCS terms, IRAF physical coordinates come out shifted
		signx, signy:=-1.0, -1.0
		if detI==1 { signx=1.0 }
		if detJ==1 { signy=1.0 }
		hdr.Set("CD1_1", 0.0, "")
		hdr.Set("CD2_2", 0.0, "")
		hdr.Set("CD2_1", -signx*plateScale, "")
		hdr.Set("CD1_2", signy*plateScale, "")
		hdr.Set("CRPIX1", -182.01, "")
		hdr.Set("CRPIX2", -59.04, "")
		hdr.Set("LTM1_1", signx, "")
		hdr.Set("LTM2_2", signy, "")
		ltv1:=float64(nx)
		if detI==1 { ltv1=float64(-(nx+1)) }
		ltv2:=float64(ny+1)
		if detJ==1 { ltv2=float64(-ny) }
		hdr.Set("LTV1", ltv1, "")
		hdr.Set("LTV2", ltv2, "")
	} else {
		crpix1, _:=hdr.Float("CRPIX1")
		crpix2, _:=hdr.Float("CRPIX2")
		hdr.Set("LTM1_1", 1.0, "")
		hdr.Set("LTM2_2", 1.0, "")
		ltv1, ltv2:=0, 0
		if detI==1 { ltv1=-nx }
		if detJ==1 { ltv2=-ny }
		hdr.Set("LTV1", ltv1, "")
		hdr.Set("LTV2", ltv2, "")
		hdr.Set("CD1_1", 0.0, "")
		hdr.Set("CD1_2", plateScale, "")
		hdr.Set("CD2_1", -plateScale, "")
		hdr.Set("CD2_2", 0.0, "")
		if detI==0 {
			// off by one against the plain flip, kept to match on-sky solutions
			hdr.Set("CRPIX1", 1+float64(nx)-crpix2, "")
		} else {
			hdr.Set("CRPIX1", 1+crpix2, "")
		}
		if detJ==0 {
			hdr.Set("CRPIX2", float64(ny)-crpix1, "")
		} else {
			hdr.Set("CRPIX2", crpix1, "")
		}
	}

	out.Header=hdr
	return out, nil
}

// rot90 rotates a row-major image counter-clockwise; the result has the
// transposed shape
func rot90(d []float32, w, h int) []float32 {
	out:=make([]float32, len(d))
	w2:=h
	for y:=0; y<w; y++ {
		for x:=0; x<w2; x++ {
			out[y*w2+x]=d[x*w+(w-1-y)]
		}
	}
	return out
}

// rot270 rotates a row-major image clockwise; the result has the
// transposed shape
func rot270(d []float32, w, h int) []float32 {
	out:=make([]float32, len(d))
	w2:=h
	for y:=0; y<w; y++ {
		for x:=0; x<w2; x++ {
			out[y*w2+x]=d[(h-1-x)*w+y]
		}
	}
	return out
}

func rot180(d []float32, w, h int) []float32 {
	out:=make([]float32, len(d))
	for y:=0; y<h; y++ {
		for x:=0; x<w; x++ {
			out[y*w+x]=d[(h-1-y)*w+(w-1-x)]
		}
	}
	return out
}

func flipud(d []float32, w, h int) []float32 {
	out:=make([]float32, len(d))
	for y:=0; y<h; y++ {
		copy(out[y*w:(y+1)*w], d[(h-1-y)*w:(h-y)*w])
	}
	return out
}

func fliplr(d []float32, w, h int) []float32 {
	out:=make([]float32, len(d))
	for y:=0; y<h; y++ {
		for x:=0; x<w; x++ {
			out[y*w+x]=d[y*w+(w-1-x)]
		}
	}
	return out
}

// blit copies tile t of shape (tw,th) into dst of width dw at (x0,y0)
func blit(dst []float32, dw int, t []float32, tw, th, x0, y0 int) {
	for y:=0; y<th; y++ {
		copy(dst[(y0+y)*dw+x0:(y0+y)*dw+x0+tw], t[y*tw:(y+1)*tw])
	}
}
