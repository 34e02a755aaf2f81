package telemetry

import "time"

// DeviceReading is one GPU's state for a single poll cycle. A reading with a
// non-empty Error is the sentinel entry used when telemetry itself failed.
type DeviceReading struct {
	ID                 int      `json:"id"`
	ComputeUtilization int      `json:"gpu_util"`
	MemoryUtilization  int      `json:"mem_util"`
	Temperature        int      `json:"temp"`
	MemoryUsed         int      `json:"mem_used"`
	MemoryTotal        int      `json:"mem_total"`
	Issues             []string `json:"issues"`
	Error              string   `json:"error,omitempty"`
}

// Snapshot is the health verdict for one cycle.
type Snapshot struct {
	Healthy   bool            `json:"healthy"`
	Timestamp time.Time       `json:"ts"`
	Readings  []DeviceReading `json:"readings"`
}

// Err returns the sentinel error text, or "" when telemetry was retrieved.
func (s Snapshot) Err() string {
	if len(s.Readings) == 0 {
		return ""
	}
	return s.Readings[0].Error
}

// Issues returns the number of threshold issues across all readings.
func (s Snapshot) Issues() int {
	total := 0
	for _, reading := range s.Readings {
		total += len(reading.Issues)
	}
	return total
}

// Thresholds holds the alert limits. Both comparisons are strict.
type Thresholds struct {
	UtilizationPct int `json:"utilization_pct"`
	TemperatureC   int `json:"temperature_c"`
}

// ErrorSnapshot builds the unhealthy sentinel snapshot for a failed read.
func ErrorSnapshot(ts time.Time, msg string) Snapshot {
	return Snapshot{
		Healthy:   false,
		Timestamp: ts,
		Readings:  []DeviceReading{{Error: msg}},
	}
}

// Evaluate folds classified readings into a snapshot. The snapshot is healthy
// iff no reading carries an issue or an error.
func Evaluate(ts time.Time, readings []DeviceReading) Snapshot {
	healthy := true
	for _, reading := range readings {
		if len(reading.Issues) > 0 || reading.Error != "" {
			healthy = false
			break
		}
	}
	if readings == nil {
		readings = []DeviceReading{}
	}
	return Snapshot{
		Healthy:   healthy,
		Timestamp: ts,
		Readings:  readings,
	}
}
