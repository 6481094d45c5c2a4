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

	"github.com/findaz/rapala/internal/fits"
)

// Round2Params configures second-round detrending: object masking,
// supersky flat construction and illumination correction.
type Round2Params struct {
	SExtract     *SExtractParams
	Supersky     *SuperskyParams
	SuperskyFile string            // supersky flat written here, then applied
	OutputMap    *fits.FileNameMap // nil corrects in place
	FlatDivMap   *fits.FileNameMap // optional snapshot after supersky division
	Overwrite    bool
}

// NewRound2Params returns second-round settings with standard values.
func NewRound2Params() *Round2Params {
	return &Round2Params{
		SExtract:     NewSExtractParams(),
		Supersky:     NewSuperskyParams(),
		SuperskyFile: "superskyflat.fits",
	}
}

func (p *Round2Params) String() string {
	return fmt.Sprintf("superskyFile %s sextract {%s} overwrite %v", p.SuperskyFile, p.SExtract, p.Overwrite)
}

// ProcessRound2 removes residual large-scale illumination from assembled
// science frames. It first detects and masks objects on every frame, then
// stacks the masked frames into a supersky flat normalized to unity, and
// finally divides each frame by that flat, recording SKYFLATF in each
// extension header. The division runs in parallel across files.
func ProcessRound2(fileNames []string, p *Round2Params) error {
	if p.SuperskyFile=="" { return &MissingConfigurationError{Key: "round 2 supersky file"} }
	if err:=SExtractPass1(fileNames, p.SExtract); err!=nil { return err }
	if err:=MakeSuperskyFlats(fileNames, p.SExtract.ObjMaskMap, p.SuperskyFile, p.Supersky); err!=nil { return err }
	skyFlat, err:=fits.ReadMEF(p.SuperskyFile)
	if err!=nil { return err }

	errs:=make([]error, len(fileNames))
	sem:=make(chan bool, Parallelism())
	for i, fileName:=range fileNames {
		sem<-true
		go func(i int, fileName string) {
			defer func() { <-sem }()
			errs[i]=processRound2File(fileName, skyFlat, p)
		}(i, fileName)
	}
	for i:=0; i<cap(sem); i++ { sem<-true }
	for i, err:=range errs {
		if err!=nil { return fmt.Errorf("%s: %w", fileNames[i], err) }
	}
	return nil
}

func processRound2File(fileName string, skyFlat *fits.File, p *Round2Params) error {
	f, err:=fits.ReadMEF(fileName)
	if err!=nil { return err }
	outName, allowOverwrite:=fits.ResolveOutput(p.OutputMap, fileName, p.Overwrite)
	LogPrintf("round2 %s -> %s\n", fileName, outName)

	var flatDiv []*fits.Image
	final:=make([]*fits.Image, 0, len(CCDExtensions))
	for _, extName:=range CCDExtensions {
		im, err:=f.Image(extName)
		if err!=nil { return err }
		sf, err:=skyFlat.Image(extName)
		if err!=nil { return err }
		if !fits.EqualInt32Slice(im.Naxisn, sf.Naxisn) {
			return &ShapeMismatchError{FileName: p.SuperskyFile, ExtName: extName, Want: im.Naxisn, Got: sf.Naxisn}
		}

		for i:=range im.Data { im.Data[i]/=sf.Data[i] }
		if p.FlatDivMap!=nil { flatDiv=append(flatDiv, im.Clone()) }

		im.Header.Set("SKYFLATF", p.SuperskyFile, "supersky flat divided")
		final=append(final, im)
	}

	if p.FlatDivMap!=nil {
		name, _:=fits.ResolveOutput(p.FlatDivMap, fileName, p.Overwrite)
		if err:=fits.WriteMEF(name, f.Primary, flatDiv, true); err!=nil { return err }
	}
	return fits.WriteMEF(outName, f.Primary, final, allowOverwrite)
}
