// Package split divides the features of a record into named sets (for
// example train/validation/test) along the time axis.
//
// A Splitter truncates every configured feature to the shortest one, cuts it
// into sets according to normalized fractions and replaces the feature by a
// map from set name to data. Sequential cuts consecutive slices; Mid takes
// the largest set from both ends of the recording and the other sets from
// the middle. An optional Operation such as Standardize is created per
// feature, fitted on the first set produced and applied to every set.
//
// Data may be a *mat.Dense (time along Axis), a [][]float64 (one row per
// sample) or a []float64.
package split
