package perfstats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	*a = TimeAccumulator{}
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// Stages accumulates time per named pipeline stage (eg "load", "infer", "write")
type Stages struct {
	stages map[string]*TimeAccumulator
}

func NewStages() *Stages {
	return &Stages{
		stages: map[string]*TimeAccumulator{},
	}
}

// Time runs f, and adds its duration to the stage, regardless of whether it fails
func (s *Stages) Time(stage string, f func() error) (time.Duration, error) {
	start := time.Now()
	err := f()
	elapsed := time.Since(start)
	s.Add(stage, elapsed)
	return elapsed, err
}

func (s *Stages) Add(stage string, d time.Duration) {
	acc := s.stages[stage]
	if acc == nil {
		acc = &TimeAccumulator{}
		s.stages[stage] = acc
	}
	acc.AddSample(d)
}

// Get returns a copy of the stage's accumulator (zero if the stage was never timed)
func (s *Stages) Get(stage string) TimeAccumulator {
	if acc := s.stages[stage]; acc != nil {
		return *acc
	}
	return TimeAccumulator{}
}

// Names returns the stages that have samples, sorted
func (s *Stages) Names() []string {
	names := make([]string, 0, len(s.stages))
	for k := range s.stages {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Summary is eg "infer: avg 12ms max 30ms (n=10), load: avg 1ms max 2ms (n=10)"
func (s *Stages) Summary() string {
	parts := []string{}
	for _, name := range s.Names() {
		acc := s.stages[name]
		parts = append(parts, fmt.Sprintf("%v: avg %v max %v (n=%v)", name, acc.Average().Round(time.Microsecond), acc.Max.Round(time.Microsecond), acc.Samples))
	}
	return strings.Join(parts, ", ")
}
