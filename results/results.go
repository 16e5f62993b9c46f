// Package results collects torque test results across samples and exports
// them for the wizard's reporting steps.
package results

import (
	"math"
	"sort"
	"sync"
	"time"
)

// TorqueTestResult is one completed torque test. Immutable after creation.
type TorqueTestResult struct {
	HoleLabel    string    `json:"hole_label"`
	TargetTorque float64   `json:"target_torque"` // Ncm
	ActualTorque float64   `json:"actual_torque"` // Ncm
	Timestamp    time.Time `json:"timestamp"`

	// Fallback marks a result whose torque came from the randomized
	// fallback because the controller response carried no numeric field.
	// Kept for auditing; not exported to CSV.
	Fallback bool `json:"fallback,omitempty"`
}

// SampleResult ties a result to the sample it belongs to.
type SampleResult struct {
	Sample int `json:"sample"`
	TorqueTestResult
}

// Collector aggregates results sample by sample.
type Collector struct {
	mu    sync.Mutex
	items []SampleResult
}

func NewCollector() *Collector {
	return &Collector{}
}

// Add records a result under the given sample number.
func (c *Collector) Add(sample int, r TorqueTestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, SampleResult{Sample: sample, TorqueTestResult: r})
}

// Items returns a copy of everything recorded so far.
func (c *Collector) Items() []SampleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SampleResult, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of recorded results.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Reset discards all recorded results.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

// Summary is per-hole statistics across samples.
type Summary struct {
	HoleLabel string  `json:"hole_label"`
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	StdDev    float64 `json:"std_dev"`
}

// Summarize groups results by hole label and computes basic statistics,
// sorted by label.
func Summarize(items []SampleResult) []Summary {
	byHole := make(map[string][]float64)
	for _, item := range items {
		byHole[item.HoleLabel] = append(byHole[item.HoleLabel], item.ActualTorque)
	}

	labels := make([]string, 0, len(byHole))
	for label := range byHole {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	summaries := make([]Summary, 0, len(labels))
	for _, label := range labels {
		values := byHole[label]
		s := Summary{
			HoleLabel: label,
			Count:     len(values),
			Min:       values[0],
			Max:       values[0],
		}
		var sum float64
		for _, v := range values {
			sum += v
			if v < s.Min {
				s.Min = v
			}
			if v > s.Max {
				s.Max = v
			}
		}
		s.Mean = sum / float64(len(values))

		var sq float64
		for _, v := range values {
			d := v - s.Mean
			sq += d * d
		}
		s.StdDev = math.Sqrt(sq / float64(len(values)))

		summaries = append(summaries, s)
	}
	return summaries
}
