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

	"gonum.org/v1/gonum/mat"
)

// fitCubicSpline fits a least squares cubic B-spline through the samples
// at positions 0..len(means)-1 and returns the spline evaluated at every
// position. The knot vector is clamped at both ends with interior knots
// every interval pixels. NaN samples are excluded from the fit but still
// receive an evaluated value.
func fitCubicSpline(means []float32, interval int) ([]float32, error) {
	npix:=len(means)
	if interval<1 { interval=1 }
	if npix<2 { return nil, fmt.Errorf("cubic spline needs at least 2 positions, have %d", npix) }

	xe:=float64(npix-1)
	knots:=[]float64{0, 0, 0, 0}
	for t:=1; t<npix-1; t+=interval { knots=append(knots, float64(t)) }
	knots=append(knots, xe, xe, xe, xe)
	m:=len(knots)-4

	valid:=0
	for _, v:=range means {
		if !isNaN32(v) { valid++ }
	}
	if valid<m {
		return nil, fmt.Errorf("cubic spline with %d coefficients needs as many samples, have %d", m, valid)
	}

	full:=mat.NewDense(npix, m, nil)
	a:=mat.NewDense(valid, m, nil)
	b:=mat.NewVecDense(valid, nil)
	row:=0
	for i:=0; i<npix; i++ {
		basis:=bsplineBasis(knots, m, float64(i))
		full.SetRow(i, basis)
		if !isNaN32(means[i]) {
			a.SetRow(row, basis)
			b.SetVec(row, float64(means[i]))
			row++
		}
	}

	var coef mat.VecDense
	if err:=coef.SolveVec(a, b); err!=nil { return nil, fmt.Errorf("cubic spline solve: %w", err) }
	var fitted mat.VecDense
	fitted.MulVec(full, &coef)

	out:=make([]float32, npix)
	for i:=range out { out[i]=float32(fitted.AtVec(i)) }
	return out, nil
}

// bsplineBasis evaluates the m cubic B-spline basis functions on the given
// clamped knot vector at x, via the de Boor recursion. The query point must
// lie within [knots[0], knots[len-1]]; the right endpoint is attributed to
// the last non-degenerate span so the basis still sums to one there.
func bsplineBasis(knots []float64, m int, x float64) []float64 {
	n:=len(knots)
	b:=make([]float64, n-1)
	for j:=0; j<n-1; j++ {
		if x>=knots[j] && x<knots[j+1] { b[j]=1 }
	}
	if x>=knots[n-1] {
		for j:=n-2; j>=0; j-- {
			if knots[j]<knots[j+1] { b[j]=1; break }
		}
	}
	for d:=1; d<=3; d++ {
		for j:=0; j+d+1<n; j++ {
			var v float64
			if den:=knots[j+d]-knots[j]; den>0 { v+=(x-knots[j])/den*b[j] }
			if den:=knots[j+d+1]-knots[j+1]; den>0 { v+=(knots[j+d+1]-x)/den*b[j+1] }
			b[j]=v
		}
	}
	return b[:m]
}
