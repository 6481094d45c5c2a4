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

package fits

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/valyala/fastrand"
)

// OutputExistsError reports a refused overwrite of an existing derived product
type OutputExistsError struct {
	FileName string
}

func (e *OutputExistsError) Error() string {
	return fmt.Sprintf("output file %s already exists and overwrite is off", e.FileName)
}

// File is a multi-extension FITS file read eagerly into memory
type File struct {
	FileName string
	Primary  *Header
	order    []string
	images   map[string]*Image
}

// structural cards are owned by the encoder and never propagated into the
// Header value object
func structuralKey(name string) bool {
	switch name {
	case "SIMPLE", "BITPIX", "NAXIS", "EXTEND", "XTENSION", "PCOUNT", "GCOUNT",
		"EXTNAME", "EXTVER", "EXTLEVEL", "BZERO", "BSCALE", "COMMENT", "HISTORY", "END", "":
		return true
	}
	return strings.HasPrefix(name, "NAXIS")
}

func fromFitsioHeader(hdr *fitsio.Header) *Header {
	h:=NewHeader()
	for _, key:=range hdr.Keys() {
		if structuralKey(key) { continue }
		card:=hdr.Get(key)
		if card==nil { continue }
		h.Set(card.Name, card.Value, card.Comment)
	}
	return h
}

func toFitsioCards(h *Header) []fitsio.Card {
	if h==nil { return nil }
	cards:=make([]fitsio.Card, 0, h.Len())
	for _, c:=range h.Cards() {
		if structuralKey(headerKey(c.Name)) { continue }
		v:=c.Value
		switch x:=v.(type) {
		case float32: v=float64(x)
		case int32:   v=int(x)
		case int64:   v=int(x)
		}
		cards=append(cards, fitsio.Card{Name: c.Name, Value: v, Comment: c.Comment})
	}
	return cards
}

// ReadMEF loads every image extension of a FITS file, transparently
// decompressing .gz inputs and applying BZERO/BSCALE.
func ReadMEF(fileName string) (*File, error) {
	osF, err:=os.Open(fileName)
	if err!=nil { return nil, err }
	defer osF.Close()

	var r io.Reader=osF
	if strings.HasSuffix(fileName, ".gz") {
		gz, err:=gzip.NewReader(osF)
		if err!=nil { return nil, fmt.Errorf("%s: %v", fileName, err) }
		defer gz.Close()
		r=gz
	}

	fitsF, err:=fitsio.Open(r)
	if err!=nil { return nil, fmt.Errorf("%s: %v", fileName, err) }
	defer fitsF.Close()

	hdus:=fitsF.HDUs()
	if len(hdus)==0 { return nil, fmt.Errorf("%s: no HDUs", fileName) }

	f:=&File{
		FileName: fileName,
		Primary:  fromFitsioHeader(hdus[0].Header()),
		images:   map[string]*Image{},
	}
	for i:=1; i<len(hdus); i++ {
		img, ok:=hdus[i].(fitsio.Image)
		if !ok { continue }
		hdr:=img.Header()
		axes:=hdr.Axes()
		if len(axes)!=2 {
			return nil, fmt.Errorf("%s[%d]: expected 2 axes, got %d", fileName, i, len(axes))
		}
		name:=strings.TrimSpace(img.Name())
		if name=="" { name=fmt.Sprintf("EXT%d", i) }

		bzero, bscale:=0.0, 1.0
		if c:=hdr.Get("BZERO");  c!=nil { bzero, _ =cardFloat(c.Value)  }
		if c:=hdr.Get("BSCALE"); c!=nil {
			if v, ok:=cardFloat(c.Value); ok { bscale=v }
		}

		data, err:=readPixels(img, hdr.Bitpix(), axes[0]*axes[1], bzero, bscale)
		if err!=nil { return nil, fmt.Errorf("%s[%s]: %v", fileName, name, err) }

		f.order=append(f.order, name)
		f.images[name]=&Image{
			ExtName: name,
			Bitpix:  hdr.Bitpix(),
			Naxisn:  []int32{int32(axes[0]), int32(axes[1])},
			Pixels:  int32(axes[0] * axes[1]),
			Data:    data,
			Header:  fromFitsioHeader(hdr),
		}
	}
	return f, nil
}

func cardFloat(v interface{}) (float64, bool) {
	switch x:=v.(type) {
	case int:     return float64(x), true
	case int16:   return float64(x), true
	case int32:   return float64(x), true
	case int64:   return float64(x), true
	case float32: return float64(x), true
	case float64: return x, true
	}
	return 0, false
}

// readPixels decodes one extension into float32, honoring the declared
// storage type. The read buffer element size must match |BITPIX|/8.
func readPixels(img fitsio.Image, bitpix, n int, bzero, bscale float64) ([]float32, error) {
	out:=make([]float32, n)
	switch bitpix {
	case 8:
		raw:=make([]uint8, n)
		if err:=img.Read(&raw); err!=nil { return nil, err }
		for i, v:=range raw { out[i]=float32(bzero + bscale*float64(v)) }
	case 16:
		raw:=make([]int16, n)
		if err:=img.Read(&raw); err!=nil { return nil, err }
		for i, v:=range raw { out[i]=float32(bzero + bscale*float64(v)) }
	case 32:
		raw:=make([]int32, n)
		if err:=img.Read(&raw); err!=nil { return nil, err }
		for i, v:=range raw { out[i]=float32(bzero + bscale*float64(v)) }
	case 64:
		raw:=make([]int64, n)
		if err:=img.Read(&raw); err!=nil { return nil, err }
		for i, v:=range raw { out[i]=float32(bzero + bscale*float64(v)) }
	case -32:
		if err:=img.Read(&out); err!=nil { return nil, err }
		if bzero!=0 || bscale!=1 {
			for i, v:=range out { out[i]=float32(bzero + bscale*float64(v)) }
		}
	case -64:
		raw:=make([]float64, n)
		if err:=img.Read(&raw); err!=nil { return nil, err }
		for i, v:=range raw { out[i]=float32(bzero + bscale*float64(v)) }
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return out, nil
}

// Image returns the named extension
func (f *File) Image(extName string) (*Image, error) {
	im, ok:=f.images[extName]
	if !ok { return nil, fmt.Errorf("%s: no extension %s", f.FileName, extName) }
	return im, nil
}

func (f *File) HasImage(extName string) bool {
	_, ok:=f.images[extName]
	return ok
}

// Extensions lists extension names in file order
func (f *File) Extensions() []string {
	return append([]string{}, f.order...)
}

// FileWriter streams image extensions into a new MEF file. Data goes to a
// temporary sibling path and is renamed into place on Close, so a failed
// stage never leaves a partial final product behind. Callers should
// defer Discard() and Close() explicitly on the success path.
type FileWriter struct {
	fileName string
	tmpName  string
	osF      *os.File
	fitsF    *fitsio.File
	next     int
	done     bool
}

// NewFileWriter opens a writer for fileName, refusing to clobber an existing
// file unless overwrite is set.
func NewFileWriter(fileName string, primary *Header, overwrite bool) (*FileWriter, error) {
	if _, err:=os.Stat(fileName); err==nil && !overwrite {
		return nil, &OutputExistsError{FileName: fileName}
	}
	if dir:=filepath.Dir(fileName); dir!="." {
		if err:=os.MkdirAll(dir, 0755); err!=nil { return nil, err }
	}
	tmpName:=fmt.Sprintf("%s.tmp%08x", fileName, fastrand.Uint32())
	osF, err:=os.Create(tmpName)
	if err!=nil { return nil, err }
	fitsF, err:=fitsio.Create(osF)
	if err!=nil {
		osF.Close()
		os.Remove(tmpName)
		return nil, err
	}

	w:=&FileWriter{fileName: fileName, tmpName: tmpName, osF: osF, fitsF: fitsF}
	if err:=w.writePrimary(primary); err!=nil {
		w.Discard()
		return nil, err
	}
	return w, nil
}

func (w *FileWriter) writePrimary(primary *Header) error {
	im:=fitsio.NewImage(8, []int{})
	defer im.Close()
	if primary!=nil && primary.Len()>0 {
		if err:=im.Header().Append(toFitsioCards(primary)...); err!=nil { return err }
	}
	return w.fitsF.Write(im)
}

// Append writes one image extension. Bitpix 16 stores truncated int16
// samples, anything else stores float32.
func (w *FileWriter) Append(im *Image) error {
	bitpix:=im.Bitpix
	if bitpix!=16 { bitpix=-32 }

	fim:=fitsio.NewImage(bitpix, []int{int(im.Naxisn[0]), int(im.Naxisn[1])})
	defer fim.Close()

	cards:=[]fitsio.Card{{Name: "EXTNAME", Value: im.ExtName}}
	cards=append(cards, toFitsioCards(im.Header)...)
	if err:=fim.Header().Append(cards...); err!=nil { return err }

	if bitpix==16 {
		raw:=make([]int16, len(im.Data))
		for i, v:=range im.Data { raw[i]=int16(v) }
		if err:=fim.Write(&raw); err!=nil { return err }
	} else {
		if err:=fim.Write(&im.Data); err!=nil { return err }
	}
	if err:=w.fitsF.Write(fim); err!=nil { return err }
	w.next++
	return nil
}

// Close commits the file to its final path
func (w *FileWriter) Close() error {
	if w.done { return nil }
	w.done=true
	if err:=w.fitsF.Close(); err!=nil {
		w.osF.Close()
		os.Remove(w.tmpName)
		return err
	}
	if err:=w.osF.Close(); err!=nil {
		os.Remove(w.tmpName)
		return err
	}
	return os.Rename(w.tmpName, w.fileName)
}

// Discard abandons the write and removes the temporary file. Safe to call
// after a successful Close.
func (w *FileWriter) Discard() {
	if w.done { return }
	w.done=true
	w.fitsF.Close()
	w.osF.Close()
	os.Remove(w.tmpName)
}

// WriteMEF writes a primary header plus image extensions in one call
func WriteMEF(fileName string, primary *Header, images []*Image, overwrite bool) error {
	w, err:=NewFileWriter(fileName, primary, overwrite)
	if err!=nil { return err }
	defer w.Discard()
	for _, im:=range images {
		if err:=w.Append(im); err!=nil { return err }
	}
	return w.Close()
}
