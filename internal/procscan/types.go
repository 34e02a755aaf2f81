package procscan

import "time"

// Snapshot lists the compute processes seen in one scan, across all GPUs.
type Snapshot struct {
	Timestamp time.Time `json:"ts"`
	Processes []Process `json:"processes"`
}

// Process describes one compute context on one GPU. A process using several
// GPUs appears once per device.
type Process struct {
	GPUIndex      *int    `json:"gpu_index"`
	GPUBusID      string  `json:"gpu_bus_id"`
	PID           int     `json:"pid"`
	UID           *int    `json:"uid"`
	User          string  `json:"user,omitempty"`
	Name          string  `json:"name"`
	Command       string  `json:"cmd,omitempty"`
	UsedMemoryMiB *uint64 `json:"used_memory_mib"`
}

// ByGPU groups processes by GPU index. Processes on unknown devices are
// keyed by -1.
func (s Snapshot) ByGPU() map[int][]Process {
	out := make(map[int][]Process)
	for _, proc := range s.Processes {
		idx := -1
		if proc.GPUIndex != nil {
			idx = *proc.GPUIndex
		}
		out[idx] = append(out[idx], proc)
	}
	return out
}
