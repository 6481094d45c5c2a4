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
	"fmt"
	"strings"
)

// A card is one header key/value pair with an optional comment
type Card struct {
	Name    string
	Value   interface{}
	Comment string
}

// Header is an ordered collection of non-structural FITS cards. Processing
// stages return fresh headers next to their pixel data; callers merge them
// explicitly instead of mutating a shared map.
type Header struct {
	cards []Card
	index map[string]int
}

func NewHeader() *Header {
	return &Header{index: map[string]int{}}
}

func headerKey(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Set inserts or updates a card, preserving insertion order on update
func (h *Header) Set(name string, value interface{}, comment string) {
	key:=headerKey(name)
	if i, ok:=h.index[key]; ok {
		h.cards[i].Value=value
		if comment!="" { h.cards[i].Comment=comment }
		return
	}
	h.index[key]=len(h.cards)
	h.cards=append(h.cards, Card{Name: key, Value: value, Comment: comment})
}

func (h *Header) Get(name string) (interface{}, bool) {
	if i, ok:=h.index[headerKey(name)]; ok { return h.cards[i].Value, true }
	return nil, false
}

func (h *Header) Has(name string) bool {
	_, ok:=h.index[headerKey(name)]
	return ok
}

// Int returns an integer card value, coercing the numeric types the
// underlying decoder may produce
func (h *Header) Int(name string) (int, bool) {
	v, ok:=h.Get(name)
	if !ok { return 0, false }
	switch x:=v.(type) {
	case int:     return x, true
	case int8:    return int(x), true
	case int16:   return int(x), true
	case int32:   return int(x), true
	case int64:   return int(x), true
	case float32: return int(x), true
	case float64: return int(x), true
	}
	return 0, false
}

// Float returns a floating point card value with the same coercions as Int
func (h *Header) Float(name string) (float64, bool) {
	v, ok:=h.Get(name)
	if !ok { return 0, false }
	switch x:=v.(type) {
	case int:     return float64(x), true
	case int8:    return float64(x), true
	case int16:   return float64(x), true
	case int32:   return float64(x), true
	case int64:   return float64(x), true
	case float32: return float64(x), true
	case float64: return x, true
	}
	return 0, false
}

func (h *Header) Str(name string) (string, bool) {
	v, ok:=h.Get(name)
	if !ok { return "", false }
	if s, ok:=v.(string); ok { return strings.TrimSpace(s), true }
	return fmt.Sprintf("%v", v), true
}

// Cards returns the cards in insertion order. The slice is shared; callers
// must not modify it.
func (h *Header) Cards() []Card {
	return h.cards
}

func (h *Header) Len() int {
	return len(h.cards)
}

func (h *Header) Clone() *Header {
	c:=NewHeader()
	for _, card:=range h.cards {
		c.Set(card.Name, card.Value, card.Comment)
	}
	return c
}

// Merge upserts every card of src into h, keeping h's ordering for keys
// already present
func (h *Header) Merge(src *Header) {
	if src==nil { return }
	for _, card:=range src.cards {
		h.Set(card.Name, card.Value, card.Comment)
	}
}

// Region selects a rectangular image subsection as half-open zero-based
// bounds. Negative values count from the far edge, so X2=-512 ends 512
// columns before the last one.
type Region struct {
	X1, X2, Y1, Y2 int
}

// Bounds resolves negative offsets against a concrete image shape
func (r Region) Bounds(width, height int32) (x1, x2, y1, y2 int) {
	x1, x2, y1, y2=r.X1, r.X2, r.Y1, r.Y2
	if x1<0 { x1+=int(width)  }
	if x2<0 { x2+=int(width)  }
	if y1<0 { y1+=int(height) }
	if y2<0 { y2+=int(height) }
	return x1, x2, y1, y2
}

func (r Region) String() string {
	return fmt.Sprintf("[%d:%d,%d:%d]", r.X1, r.X2, r.Y1, r.Y2)
}

// ParseSection converts a 1-indexed inclusive FITS section string like
// "[513:2560,1:2048]" into a zero-based half-open Region.
func ParseSection(s string) (Region, error) {
	var x1, x2, y1, y2 int
	_, err:=fmt.Sscanf(strings.TrimSpace(s), "[%d:%d,%d:%d]", &x1, &x2, &y1, &y2)
	if err!=nil { return Region{}, fmt.Errorf("malformed section string %q: %v", s, err) }
	return Region{x1 - 1, x2, y1 - 1, y2}, nil
}

// FormatSection is the inverse of ParseSection
func FormatSection(r Region) string {
	return fmt.Sprintf("[%d:%d,%d:%d]", r.X1+1, r.X2, r.Y1+1, r.Y2)
}

// Image is a single image extension: row-major float32 pixels plus the
// non-structural cards of its header.
type Image struct {
	ExtName string    // extension name, e.g. "IM4" or "CCD1"
	Bitpix  int       // storage bits per pixel on write; -32 unless set
	Naxisn  []int32   // axis dimensions, [width, height]
	Pixels  int32     // number of pixels, product of Naxisn
	Data    []float32 // pixel data in row-major order
	Header  *Header
}

// NewImage allocates a zeroed image of the given shape
func NewImage(extName string, width, height int32) *Image {
	return &Image{
		ExtName: extName,
		Bitpix:  -32,
		Naxisn:  []int32{width, height},
		Pixels:  width * height,
		Data:    make([]float32, width*height),
		Header:  NewHeader(),
	}
}

func (im *Image) Clone() *Image {
	c:=&Image{
		ExtName: im.ExtName,
		Bitpix:  im.Bitpix,
		Naxisn:  append([]int32{}, im.Naxisn...),
		Pixels:  im.Pixels,
		Data:    append([]float32{}, im.Data...),
	}
	if im.Header!=nil { c.Header=im.Header.Clone() } else { c.Header=NewHeader() }
	return c
}

// Section returns a copy of the pixels inside the given region
func (im *Image) Section(r Region) []float32 {
	x1, x2, y1, y2:=r.Bounds(im.Naxisn[0], im.Naxisn[1])
	w:=int(im.Naxisn[0])
	out:=make([]float32, 0, (x2-x1)*(y2-y1))
	for y:=y1; y<y2; y++ {
		out=append(out, im.Data[y*w+x1:y*w+x2]...)
	}
	return out
}

// Helper: compare two int32 slices for equality
func EqualInt32Slice(a, b []int32) bool {
	if len(a)!=len(b) { return false }
	for i, v:=range a {
		if v!=b[i] { return false }
	}
	return true
}
