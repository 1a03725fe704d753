// Package stub provides metric interfaces and no-op implementations.
//
// The protocol packages use these so importing them does not pull in
// prometheus. The main package installs real implementations at startup.
package stub

type HistogramVec interface {
	ObserveLabels(v float64, labels ...string)
}

type HistogramVecIgnore struct{}

func (HistogramVecIgnore) ObserveLabels(v float64, labels ...string) {}
