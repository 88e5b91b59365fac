package sensor

import (
	"fmt"
	"io"

	"gonum.org/v1/gonum/stat"
)

// Stat summarizes the readings of one sensor over a capture window.
type Stat struct {
	Index  int
	Mean   float64
	StdDev float64
	N      int
}

// Summarize computes the population mean and standard deviation of the raw
// codes of each requested sensor across frames.
func Summarize(frames []Frame, indices []int) []Stat {
	stats := make([]Stat, 0, len(indices))
	values := make([]float64, len(frames))
	for _, idx := range indices {
		if idx < 0 || idx >= NumSensors {
			continue
		}
		s := Stat{Index: idx, N: len(frames)}
		if len(frames) > 0 {
			for i, f := range frames {
				values[i] = float64(f[idx])
			}
			s.Mean, s.StdDev = stat.PopMeanStdDev(values, nil)
		}
		stats = append(stats, s)
	}
	return stats
}

// WriteStats appends a capture block in the plain-text format used by the
// sensor statistics files.
func WriteStats(w io.Writer, meta string, stats []Stat) error {
	if _, err := fmt.Fprintf(w, "META: %s\n", meta); err != nil {
		return err
	}
	for _, s := range stats {
		if _, err := fmt.Fprintf(w, "SENSOR [%d]\tMEAN [%g]\tSD [%g]\tSIZE [%d]\n", s.Index, s.Mean, s.StdDev, s.N); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n\n")
	return err
}
