package telemetry

import (
	"math"

	"envmon/internal/store"
)

const (
	// DefaultJitterWindow is the number of most recent readings the jitter
	// series covers.
	DefaultJitterWindow = 20

	// JitterCeilingMs caps a single jitter sample so one outlier does not
	// flatten the rest of the series.
	JitterCeilingMs = 500

	// FallbackRTTMs is reported as the average RTT when the window holds no
	// positive jitter samples. It is a display value, not a measurement.
	FallbackRTTMs = 5
)

// Derived is the set of metrics recomputed from the history on each read.
type Derived struct {
	DewPoints       []float64 `json:"dew_points"`
	Jitter          []float64 `json:"jitter"`
	AverageRTTMs    float64   `json:"average_rtt_ms"`
	RTTMeasured     bool      `json:"rtt_measured"`
	MaxJitterMs     float64   `json:"max_jitter_ms"`
	JitterWindow    int       `json:"jitter_window"`
	ReadingsCovered int       `json:"readings_covered"`
}

// DewPoint approximates the dew point as T - (100 - RH) / 5, rounded to one
// decimal. This is the simple linear approximation, not the Magnus formula.
func DewPoint(r store.Reading) float64 {
	return round1(r.Temperature - (100-r.Humidity)/5)
}

// JitterSeries returns the absolute latency deltas across the last window
// readings. The first element is always 0; each value is capped at
// JitterCeilingMs.
func JitterSeries(readings []store.Reading, window int) []float64 {
	if window <= 0 {
		window = DefaultJitterWindow
	}
	if len(readings) > window {
		readings = readings[len(readings)-window:]
	}
	out := make([]float64, len(readings))
	for i := 1; i < len(readings); i++ {
		out[i] = math.Min(math.Abs(readings[i].LatencyMs-readings[i-1].LatencyMs), JitterCeilingMs)
	}
	return out
}

// AverageRTT returns the mean of the strictly positive jitter samples,
// rounded to one decimal. When there are none it returns FallbackRTTMs and
// false.
func AverageRTT(jitter []float64) (float64, bool) {
	var sum float64
	var n int
	for _, j := range jitter {
		if j > 0 {
			sum += j
			n++
		}
	}
	if n == 0 {
		return FallbackRTTMs, false
	}
	return round1(sum / float64(n)), true
}

// MaxJitter returns the largest positive jitter sample, or 0.
func MaxJitter(jitter []float64) float64 {
	var max float64
	for _, j := range jitter {
		if j > max {
			max = j
		}
	}
	return max
}

// Summarize computes every derived metric for readings.
func Summarize(readings []store.Reading, window int) Derived {
	if window <= 0 {
		window = DefaultJitterWindow
	}
	jitter := JitterSeries(readings, window)
	avg, measured := AverageRTT(jitter)

	dew := make([]float64, len(readings))
	for i, r := range readings {
		dew[i] = DewPoint(r)
	}

	return Derived{
		DewPoints:       dew,
		Jitter:          jitter,
		AverageRTTMs:    avg,
		RTTMeasured:     measured,
		MaxJitterMs:     MaxJitter(jitter),
		JitterWindow:    window,
		ReadingsCovered: len(jitter),
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
