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

// Round1Params configures first-round detrending of science frames.
type Round1Params struct {
	BiasFile   string
	FlatFile   string
	OutputMap  *fits.FileNameMap // nil detrends in place
	BiasSubMap *fits.FileNameMap // optional snapshot after bias subtraction
	FlatDivMap *fits.FileNameMap // optional snapshot after flat division
	Extensions []string
	Overwrite  bool
}

func (p *Round1Params) String() string {
	return fmt.Sprintf("bias %s flat %s overwrite %v", p.BiasFile, p.FlatFile, p.Overwrite)
}

// ProcessRound1 subtracts the master bias from every amplifier of each
// science frame and divides by the master flat, recording BIASFILE and
// FLATFILE in each extension header. Optional snapshot maps write the
// intermediate state after each step, without the calibration cards.
// Files are processed in parallel.
func ProcessRound1(fileNames []string, p *Round1Params) error {
	if p.BiasFile=="" { return &MissingConfigurationError{Key: "round 1 bias file"} }
	if p.FlatFile=="" { return &MissingConfigurationError{Key: "round 1 flat file"} }
	bias, err:=fits.ReadMEF(p.BiasFile)
	if err!=nil { return err }
	flat, err:=fits.ReadMEF(p.FlatFile)
	if err!=nil { return err }

	errs:=make([]error, len(fileNames))
	sem:=make(chan bool, Parallelism())
	for i, fileName:=range fileNames {
		sem<-true
		go func(i int, fileName string) {
			defer func() { <-sem }()
			errs[i]=processRound1File(fileName, bias, flat, p)
		}(i, fileName)
	}
	for i:=0; i<cap(sem); i++ { sem<-true }
	for i, err:=range errs {
		if err!=nil { return fmt.Errorf("%s: %w", fileNames[i], err) }
	}
	return nil
}

func processRound1File(fileName string, bias, flat *fits.File, p *Round1Params) error {
	f, err:=fits.ReadMEF(fileName)
	if err!=nil { return err }
	outName, allowOverwrite:=fits.ResolveOutput(p.OutputMap, fileName, p.Overwrite)
	LogPrintf("round1 %s -> %s\n", fileName, outName)
	exts:=p.Extensions
	if exts==nil { exts=f.Extensions() }

	var biasSub, flatDiv []*fits.Image
	final:=make([]*fits.Image, 0, len(exts))
	for _, extName:=range exts {
		im, err:=f.Image(extName)
		if err!=nil { return err }
		bi, err:=bias.Image(extName)
		if err!=nil { return err }
		fl, err:=flat.Image(extName)
		if err!=nil { return err }
		if !fits.EqualInt32Slice(im.Naxisn, bi.Naxisn) {
			return &ShapeMismatchError{FileName: p.BiasFile, ExtName: extName, Want: im.Naxisn, Got: bi.Naxisn}
		}
		if !fits.EqualInt32Slice(im.Naxisn, fl.Naxisn) {
			return &ShapeMismatchError{FileName: p.FlatFile, ExtName: extName, Want: im.Naxisn, Got: fl.Naxisn}
		}

		for i:=range im.Data { im.Data[i]-=bi.Data[i] }
		if p.BiasSubMap!=nil { biasSub=append(biasSub, im.Clone()) }
		for i:=range im.Data { im.Data[i]/=fl.Data[i] }
		if p.FlatDivMap!=nil { flatDiv=append(flatDiv, im.Clone()) }

		im.Header.Set("BIASFILE", p.BiasFile, "master bias subtracted")
		im.Header.Set("FLATFILE", p.FlatFile, "master flat divided")
		final=append(final, im)
	}

	if p.BiasSubMap!=nil {
		name, _:=fits.ResolveOutput(p.BiasSubMap, fileName, p.Overwrite)
		if err:=fits.WriteMEF(name, f.Primary, biasSub, true); err!=nil { return err }
	}
	if p.FlatDivMap!=nil {
		name, _:=fits.ResolveOutput(p.FlatDivMap, fileName, p.Overwrite)
		if err:=fits.WriteMEF(name, f.Primary, flatDiv, true); err!=nil { return err }
	}
	return fits.WriteMEF(outName, f.Primary, final, allowOverwrite)
}
