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
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.com/findaz/rapala/internal/proc"
)

var (
	// Version is the version number, typically injected via ldflags on build
	Version = "1.0"

	// ConfigFileName is the YAML config read next to the working directory
	ConfigFileName = "rapala.yml"

	k = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err:=k.Load(file.Provider(ConfigFileName), yaml.Parser()); err!=nil {
		if !strings.Contains(err.Error(), "no such") { // file missing is fine, defaults apply
			proc.LogFatalf("error loading config: %v\n", err)
		}
	}
}

func loadConfig() Config {
	c:=Config{}
	if err:=k.Unmarshal("", &c); err!=nil { proc.LogFatal(err) }
	return c
}

func root() {
	str:=`rapala calibrates raw 90Prime camera exposures into detrended CCD mosaics:
overscan correction, master bias and flat creation, detrending, gain
balancing, mosaic assembly, supersky illumination correction and sky
subtraction.

Usage:
	rapala <command> [files...]

Commands:
	run    [files...]  process raw frames, configured globs when no files given
	stats  [files...]  report per-amplifier level statistics
	serve              expose processing and statistics over HTTP
	mkconf             write the default config to ` + ConfigFileName + `
	conf               print the effective config
	version
	help`
	fmt.Println(str)
}

func help() {
	str:=`rapala reads its settings from ` + ConfigFileName + ` in the working directory,
falling back to built-in defaults for anything unset. Generate a template
with the mkconf command. For a primer on YAML, see https://yaml.org/start.html

BiasFrames, FlatFrames and ScienceFrames are lists of file globs naming the
raw multi-extension exposures. All processed products land in OutputDir:
overscan-corrected frames under their input names, detrended frames with a
_p suffix, assembled mosaics with _c, plus the bias, flat and supersky
masters. Set Overwrite to rebuild products that already exist.

The supersky stage runs the external source extractor, expecting a 'sex'
binary on the PATH and its pass-1 configuration under config/. Disable the
stage with Round2: false when the extractor is unavailable.

The serve command listens on Serve.Addr and accepts POST requests with a
JSON body {"files": [...]} on /api/v1/process and /api/v1/stats; results
in OutputDir are published under /files.`
	fmt.Println(str)
}

func mkconf() {
	c:=loadConfig()
	f, err:=os.Create(ConfigFileName)
	if err!=nil { proc.LogFatal(err) }
	defer f.Close()
	if err:=yml.NewEncoder(f).Encode(c); err!=nil { proc.LogFatal(err) }
}

func printconf() {
	c:=loadConfig()
	if err:=yml.NewEncoder(os.Stdout).Encode(c); err!=nil { proc.LogFatal(err) }
}

func pversion() {
	fmt.Printf("rapala version %v\n", Version)
}

func run(args []string) {
	c:=loadConfig()
	if err:=runPipeline(&c, args); err!=nil { proc.LogFatal(err) }
}

func stats(args []string) {
	c:=loadConfig()
	fileNames:=args
	if len(fileNames)==0 {
		var err error
		if fileNames, err=globFrames(c.ScienceFrames); err!=nil { proc.LogFatal(err) }
	}
	if _, err:=proc.ImStat(fileNames, proc.NewImStatParams()); err!=nil { proc.LogFatal(err) }
}

func serve() {
	c:=loadConfig()
	sp:=c.Serve
	if sp.FilesDir=="" { sp.FilesDir=c.OutputDir }
	runJob:=func(fileNames []string) error { return runPipeline(&c, fileNames) }
	proc.LogPrintf("Serving on %s, files from %s\n", sp.Addr, sp.FilesDir)
	if err:=proc.Serve(&sp, runJob, proc.NewImStatParams()); err!=nil { proc.LogFatal(err) }
}

func main() {
	args:=os.Args
	if len(args)==1 {
		root()
		return
	}
	setupconfig()
	cmd:=strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "run":
		run(args[2:])
	case "stats":
		stats(args[2:])
	case "serve":
		serve()
	default:
		proc.LogFatalf("unknown command %q, try: rapala help\n", cmd)
	}
}
