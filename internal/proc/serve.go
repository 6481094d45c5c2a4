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
	"bytes"
	"fmt"
	"sync"

	"github.com/gin-gonic/contrib/static"
	"github.com/gin-gonic/gin"
)

// ServeParams configures the HTTP job service.
type ServeParams struct {
	Addr     string `yaml:"Addr"`     // listen address, e.g. :8080
	FilesDir string `yaml:"FilesDir"` // directory published under /files, empty disables
}

// NewServeParams returns service settings with standard values.
func NewServeParams() *ServeParams {
	return &ServeParams{Addr: ":8080", FilesDir: "."}
}

func (p *ServeParams) String() string {
	return fmt.Sprintf("addr %s filesDir %s", p.Addr, p.FilesDir)
}

// Serve exposes processing and statistics jobs via HTTP and publishes the
// result directory as static downloads. runJob runs one processing job
// over the posted file list, an empty list meaning the configured frames;
// jobs run one at a time and their progress lines are teed into the JSON
// response. Blocks serving requests until the listener fails.
func Serve(p *ServeParams, runJob func(fileNames []string) error, statsP *ImStatParams) error {
	var jobMutex sync.Mutex
	r:=gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	if p.FilesDir!="" {
		r.Use(static.Serve("/files", static.LocalFile(p.FilesDir, false)))
	}

	r.GET("/api/v1/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "pong",
		})
	})

	r.POST("/api/v1/process", func(c *gin.Context) {
		var req struct {
			Files []string `json:"files"`
		}
		if err:=c.BindJSON(&req); err!=nil { return }
		if runJob==nil {
			c.JSON(503, gin.H{"status": "error", "error": "processing not configured"})
			return
		}
		jobMutex.Lock()
		defer jobMutex.Unlock()
		jobLog:=&bytes.Buffer{}
		restore:=TeeLogTarget(jobLog)
		err:=runJob(req.Files)
		restore()
		if err!=nil {
			c.JSON(500, gin.H{"status": "error", "error": err.Error(), "log": jobLog.String()})
			return
		}
		c.JSON(200, gin.H{"status": "ok", "log": jobLog.String()})
	})

	r.POST("/api/v1/stats", func(c *gin.Context) {
		var req struct {
			Files []string `json:"files"`
		}
		if err:=c.BindJSON(&req); err!=nil { return }
		jobMutex.Lock()
		defer jobMutex.Unlock()
		res, err:=ImStat(req.Files, statsP)
		if err!=nil {
			c.JSON(500, gin.H{"status": "error", "error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "ok", "frames": res})
	})

	return r.Run(p.Addr)
}
