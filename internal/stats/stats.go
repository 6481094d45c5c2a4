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

// Robust statistics over float32 samples. Every function in this package
// treats NaN as a masked sample: NaNs are skipped by reducers, and rejection
// routines mark outliers by overwriting them with NaN in place. Annotating
// rejection this way keeps masks and data in a single array, and stacked
// pixels with no surviving contributor come out as NaN for the caller to
// backfill.
package stats

import (
	"math"
	"sort"
)

const (
	// shared sigma clipping defaults; every stage that does not override
	// these must use them, or downstream numbers silently diverge
	DefaultClipIters = 2
	DefaultClipSig   = 2.5

	// factor scaling the median absolute deviation to the standard
	// deviation of a Gaussian
	madNormalization = 1.4826
)

func isNaN(x float32) bool { return x!=x }

var nan32 = float32(math.NaN())

// Mean of the unmasked samples, NaN if none survive
func Mean(xs []float32) float32 {
	sum, n:=float64(0), 0
	for _, x:=range xs {
		if isNaN(x) { continue }
		sum+=float64(x)
		n++
	}
	if n==0 { return nan32 }
	return float32(sum / float64(n))
}

// MeanStdDev returns the mean, the population standard deviation and the
// count of the unmasked samples
func MeanStdDev(xs []float32) (mean, stdDev float32, n int) {
	sum:=float64(0)
	for _, x:=range xs {
		if isNaN(x) { continue }
		sum+=float64(x)
		n++
	}
	if n==0 { return nan32, nan32, 0 }
	m:=sum / float64(n)
	ss:=float64(0)
	for _, x:=range xs {
		if isNaN(x) { continue }
		d:=float64(x) - m
		ss+=d * d
	}
	return float32(m), float32(math.Sqrt(ss / float64(n))), n
}

// Variance of the unmasked samples (population variance), NaN if none
func Variance(xs []float32) float32 {
	_, s, n:=MeanStdDev(xs)
	if n==0 { return nan32 }
	return s * s
}

// NumValid counts the unmasked samples
func NumValid(xs []float32) int {
	n:=0
	for _, x:=range xs {
		if !isNaN(x) { n++ }
	}
	return n
}

// compact the unmasked samples into a fresh slice
func validCopy(xs []float32) []float32 {
	out:=make([]float32, 0, len(xs))
	for _, x:=range xs {
		if !isNaN(x) { out=append(out, x) }
	}
	return out
}

// Percentile returns the p-th percentile (0..100) of the unmasked samples,
// interpolating linearly between order statistics
func Percentile(xs []float32, p float32) float32 {
	v:=validCopy(xs)
	if len(v)==0 { return nan32 }
	sort.Slice(v, func(i, j int) bool { return v[i]<v[j] })
	if len(v)==1 { return v[0] }
	pos:=float64(p) / 100 * float64(len(v)-1)
	if pos<=0 { return v[0] }
	if pos>=float64(len(v)-1) { return v[len(v)-1] }
	lo:=int(pos)
	frac:=pos - float64(lo)
	return v[lo] + float32(frac)*(v[lo+1]-v[lo])
}

// Median of the unmasked samples, averaging the two central order
// statistics for even counts
func Median(xs []float32) float32 {
	return Percentile(xs, 50)
}

// MAD returns the scaled median absolute deviation about the given center,
// normalized to read as a Gaussian standard deviation
func MAD(xs []float32, center float32) float32 {
	devs:=make([]float32, 0, len(xs))
	for _, x:=range xs {
		if isNaN(x) { continue }
		d:=x - center
		if d<0 { d=-d }
		devs=append(devs, d)
	}
	if len(devs)==0 { return nan32 }
	return Median(devs) * madNormalization
}

// SigmaClip iteratively masks samples whose distance from the mean of the
// surviving population exceeds sig robust standard deviations, overwriting
// rejected samples with NaN in place. Samples exactly at the mean always
// survive, so constant inputs pass through untouched.
func SigmaClip(xs []float32, iters int, sig float32) {
	for it:=0; it<iters; it++ {
		m:=Mean(xs)
		if isNaN(m) { return }
		scale:=MAD(xs, m)
		limit:=sig * scale
		rejected:=0
		for i, x:=range xs {
			if isNaN(x) { continue }
			d:=x - m
			if d<0 { d=-d }
			if d>limit {
				xs[i]=nan32
				rejected++
			}
		}
		if rejected==0 { return }
	}
}

// ClippedMeanStdDev sigma-clips a copy of the samples and returns the mean
// and standard deviation of the survivors
func ClippedMeanStdDev(xs []float32, iters int, sig float32) (mean, stdDev float32) {
	v:=append([]float32{}, xs...)
	SigmaClip(v, iters, sig)
	mean, stdDev, _=MeanStdDev(v)
	return mean, stdDev
}

// ClippedMean sigma-clips a copy of the samples and returns the surviving mean
func ClippedMean(xs []float32, iters int, sig float32) float32 {
	m, _:=ClippedMeanStdDev(xs, iters, sig)
	return m
}

// Mode estimates the most probable value of a skewed sample as
// 2.5*median - 1.5*mean over the sigma-clipped population, the classic
// crowded-field sky estimator. Exact for constant and symmetric samples.
func Mode(xs []float32) float32 {
	v:=append([]float32{}, xs...)
	SigmaClip(v, DefaultClipIters, DefaultClipSig)
	med:=Median(v)
	mean:=Mean(v)
	return 2.5*med - 1.5*mean
}

// MinMaxReject masks exactly one maximum and one minimum sample with NaN,
// regardless of ties. With fewer than three unmasked samples it leaves the
// input unchanged.
func MinMaxReject(xs []float32) {
	minIdx, maxIdx:=-1, -1
	for i, x:=range xs {
		if isNaN(x) { continue }
		if minIdx<0 || x<xs[minIdx] { minIdx=i }
	}
	for i, x:=range xs {
		if isNaN(x) || i==minIdx { continue }
		if maxIdx<0 || x>xs[maxIdx] { maxIdx=i }
	}
	if minIdx<0 || maxIdx<0 { return }
	n:=NumValid(xs)
	if n<3 { return }
	xs[minIdx]=nan32
	xs[maxIdx]=nan32
}

// Min returns the smallest unmasked sample, NaN if none
func Min(xs []float32) float32 {
	m, ok:=nan32, false
	for _, x:=range xs {
		if isNaN(x) { continue }
		if !ok || x<m { m, ok=x, true }
	}
	return m
}

// Max returns the largest unmasked sample, NaN if none
func Max(xs []float32) float32 {
	m, ok:=nan32, false
	for _, x:=range xs {
		if isNaN(x) { continue }
		if !ok || x>m { m, ok=x, true }
	}
	return m
}
