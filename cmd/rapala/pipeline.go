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

package main

import (
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"

	"github.com/klauspost/cpuid"

	"github.com/findaz/rapala/internal/fits"
	"github.com/findaz/rapala/internal/proc"
)

// Config collects the operator-facing pipeline settings, loaded from the
// YAML config file layered over these defaults.
type Config struct {
	OutputDir     string   `yaml:"OutputDir"`     // processed frames and masters land here
	BiasFrames    []string `yaml:"BiasFrames"`    // raw zero exposure globs
	FlatFrames    []string `yaml:"FlatFrames"`    // raw dome flat globs
	ScienceFrames []string `yaml:"ScienceFrames"` // raw science exposure globs

	BiasFile     string `yaml:"BiasFile"`     // master bias name inside OutputDir
	FlatFile     string `yaml:"FlatFile"`     // master flat name inside OutputDir
	SuperskyFile string `yaml:"SuperskyFile"` // supersky flat name inside OutputDir

	WithVariance        bool   `yaml:"WithVariance"`        // also write variance images for the masters
	OverscanDiagnostics bool   `yaml:"OverscanDiagnostics"` // write overscan strip and residual mosaics
	SkyGainCorrect      bool   `yaml:"SkyGainCorrect"`      // refine amplifier gains from sky levels
	WCSOrigin           string `yaml:"WCSOrigin"`           // mosaic WCS convention: center or lower left
	Round2              bool   `yaml:"Round2"`              // object masking and supersky illumination correction
	SkySubtract         bool   `yaml:"SkySubtract"`         // fit and subtract a sky plane per mosaic
	Overwrite           bool   `yaml:"Overwrite"`

	Overscan proc.OverscanParams `yaml:"Overscan"`
	Gains    map[string]float32  `yaml:"Gains"` // per-amplifier e-/ADU, empty uses the nominal table
	Serve    proc.ServeParams    `yaml:"Serve"`
}

func defaultConfig() Config {
	return Config{
		OutputDir:      "proc",
		BiasFile:       "bias.fits",
		FlatFile:       "flat.fits",
		SuperskyFile:   "superskyflat.fits",
		WithVariance:   true,
		SkyGainCorrect: true,
		WCSOrigin:      "center",
		Round2:         true,
		SkySubtract:    true,
		Overscan:       proc.NewOverscanParams(),
		Serve:          proc.ServeParams{Addr: ":8080"},
	}
}

// globFrames turns filename wildcards into a sorted list of frame files
func globFrames(patterns []string) ([]string, error) {
	fileNames:=[]string{}
	for _, pattern:=range patterns {
		matches, err:=filepath.Glob(pattern)
		if err!=nil { return nil, err }
		fileNames=append(fileNames, matches...)
	}
	sort.Strings(fileNames)
	return fileNames, nil
}

func mapNames(m *fits.FileNameMap, fileNames []string) []string {
	out:=make([]string, len(fileNames))
	for i, f:=range fileNames { out[i]=m.Map(f) }
	return out
}

// runPipeline executes the calibration chain: overscan correction of every
// raw frame, master bias and master flat stacks, first-round detrending,
// gain balancing and CCD assembly, then optionally object masking with
// supersky illumination correction and sky plane subtraction. science
// overrides the configured science frame globs when nonempty.
func runPipeline(c *Config, science []string) error {
	rawBias, err:=globFrames(c.BiasFrames)
	if err!=nil { return err }
	rawFlat, err:=globFrames(c.FlatFrames)
	if err!=nil { return err }
	if len(science)==0 {
		if science, err=globFrames(c.ScienceFrames); err!=nil { return err }
	}
	if len(rawBias)==0 { return &proc.MissingConfigurationError{Key: "bias frames"} }
	if len(rawFlat)==0 { return &proc.MissingConfigurationError{Key: "flat frames"} }
	if err:=os.MkdirAll(c.OutputDir, 0755); err!=nil { return err }

	proc.LogPrintf("Processing %d bias, %d flat and %d science frames with %d workers on %s\n",
		len(rawBias), len(rawFlat), len(science), proc.Parallelism(), cpuid.CPU.BrandName)

	oscanMap:=&fits.FileNameMap{NewDir: c.OutputDir}
	oscanP:=&proc.OverscanStageParams{
		Fit:              c.Overscan,
		OutputMap:        oscanMap,
		Overwrite:        c.Overwrite,
		WriteDiagnostics: c.OverscanDiagnostics,
		DiagColsBase:     filepath.Join(c.OutputDir, "oscan_cols"),
		DiagRowsBase:     filepath.Join(c.OutputDir, "oscan_rows"),
	}
	all:=append(append(append([]string{}, rawBias...), rawFlat...), science...)
	proc.LogPrintf("\nOverscan correcting %d frames with %s:\n", len(all), oscanP)
	if err:=proc.SubtractOverscan(all, oscanP); err!=nil { return err }
	debug.FreeOSMemory()

	biasFrames:=mapNames(oscanMap, rawBias)
	flatFrames:=mapNames(oscanMap, rawFlat)
	sciFrames:=mapNames(oscanMap, science)

	biasPath:=filepath.Join(c.OutputDir, c.BiasFile)
	flatPath:=filepath.Join(c.OutputDir, c.FlatFile)
	varMap:=fits.FileNameMap{NewSuffix: "_var"}
	var biasVar, flatVar string
	if c.WithVariance {
		biasVar, flatVar=varMap.Map(biasPath), varMap.Map(flatPath)
	}

	biasP:=proc.NewBiasStackParams()
	biasP.Overwrite=c.Overwrite
	proc.LogPrintf("\nStacking %d bias frames with %s:\n", len(biasFrames), &biasP)
	if err:=proc.StackBias(biasFrames, biasPath, biasVar, &biasP); err!=nil { return err }
	debug.FreeOSMemory()

	flatP:=proc.NewFlatStackParams()
	flatP.Overwrite=c.Overwrite
	proc.LogPrintf("\nStacking %d flat frames with %s:\n", len(flatFrames), &flatP)
	if err:=proc.StackFlats(flatFrames, biasPath, flatPath, flatVar, &flatP); err!=nil { return err }
	debug.FreeOSMemory()

	if len(sciFrames)==0 {
		proc.LogPrintf("\nNo science frames, masters only. Done.\n")
		return nil
	}

	round1P:=&proc.Round1Params{
		BiasFile:  biasPath,
		FlatFile:  flatPath,
		OutputMap: &fits.FileNameMap{NewSuffix: "_p"},
		Overwrite: c.Overwrite,
	}
	proc.LogPrintf("\nDetrending %d science frames with %s:\n", len(sciFrames), round1P)
	if err:=proc.ProcessRound1(sciFrames, round1P); err!=nil { return err }
	debug.FreeOSMemory()
	procFrames:=mapNames(round1P.OutputMap, sciFrames)

	mosaicP:=proc.NewMosaicParams()
	if len(c.Gains)>0 { mosaicP.InputGain=c.Gains }
	mosaicP.SkyGainCorrect=c.SkyGainCorrect
	if c.WCSOrigin!="" { mosaicP.Origin=c.WCSOrigin }
	mosaicP.OutputMap=&fits.FileNameMap{NewSuffix: "_c"}
	mosaicP.Overwrite=c.Overwrite
	proc.LogPrintf("\nAssembling %d CCD mosaics with %s:\n", len(procFrames), mosaicP)
	if err:=proc.CombineCCDs(procFrames, mosaicP); err!=nil { return err }
	debug.FreeOSMemory()
	mosaicFrames:=mapNames(mosaicP.OutputMap, procFrames)

	var objMaskMap *fits.FileNameMap
	if c.Round2 {
		round2P:=proc.NewRound2Params()
		round2P.SuperskyFile=filepath.Join(c.OutputDir, c.SuperskyFile)
		round2P.SExtract.Overwrite=c.Overwrite
		round2P.Supersky.Overwrite=true
		proc.LogPrintf("\nIllumination correcting %d mosaics with %s:\n", len(mosaicFrames), round2P)
		if err:=proc.ProcessRound2(mosaicFrames, round2P); err!=nil { return err }
		debug.FreeOSMemory()
		objMaskMap=round2P.SExtract.ObjMaskMap
	}

	if c.SkySubtract {
		skyP:=&proc.SkySubtractParams{Fit: proc.NewSkyFitParams(), MaskMap: objMaskMap}
		proc.LogPrintf("\nSubtracting sky planes from %d mosaics with %s:\n", len(mosaicFrames), skyP)
		if err:=proc.SubtractSky(mosaicFrames, skyP); err!=nil { return err }
		debug.FreeOSMemory()
	}

	proc.LogPrintf("\nDone.\n")
	return nil
}
