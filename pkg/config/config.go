package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is an immutable configuration snapshot taken once at
// scheduler construction, per §9's "global configuration" design note:
// changing a key requires building a new Snapshot and a new scheduler,
// never mutating one in place at steady state.
type Snapshot struct {
	// Bandwidth is bytes/s used purely for placement ranking (§4.2).
	Bandwidth float64 `yaml:"bandwidth"`

	// AllowedFailures is the suspicious-count threshold above which a
	// task is poisoned (§4.3, §4.8). Default 3.
	AllowedFailures int `yaml:"allowed-failures"`

	// TransitionLogLength sizes the transition ring log (§4.1). Default 100000.
	TransitionLogLength int `yaml:"transition-log-length"`

	// LogLength sizes the diagnostic log. Default 10000.
	LogLength int `yaml:"log-length"`

	AdaptiveRetryCount    int           `yaml:"adaptive.retry.count"`
	AdaptiveRetryDelayMin time.Duration `yaml:"adaptive.retry.delay.min"`
	AdaptiveRetryDelayMax time.Duration `yaml:"adaptive.retry.delay.max"`

	AdminLowLevelLogLength int `yaml:"admin.low-level-log-length"`

	WorkStealing bool `yaml:"work-stealing"`

	CommOffload                 bool `yaml:"comm.offload"`
	CommRecentMessagesLogLength int  `yaml:"comm.recent-messages-log-length"`

	// AdaptiveMinimum/Maximum clamp the adaptive control loop's target
	// worker count (§4.7).
	AdaptiveMinimum int `yaml:"adaptive.minimum"`
	AdaptiveMaximum int `yaml:"adaptive.maximum"`

	// AdaptiveWaitCount is the number of consecutive scale-down ticks a
	// worker must be a candidate before it is actually closed (§4.7).
	AdaptiveWaitCount int `yaml:"adaptive.wait-count"`

	// HeartbeatTimeoutFactor is the number of missed heartbeat intervals
	// (§6's cluster-size cadence) after which a worker that has sent no
	// heartbeat is treated as lost — an unsafe remove_worker per §4.8's
	// "Worker comm drop" failure semantics, as distinct from a graceful
	// unregister.
	HeartbeatTimeoutFactor int `yaml:"heartbeat-timeout-factor"`
}

// Default returns the snapshot the spec's defaults describe.
func Default() Snapshot {
	return Snapshot{
		Bandwidth:                   100_000_000, // 100MB/s
		AllowedFailures:             3,
		TransitionLogLength:         100_000,
		LogLength:                   10_000,
		AdaptiveRetryCount:          5,
		AdaptiveRetryDelayMin:       1 * time.Second,
		AdaptiveRetryDelayMax:       30 * time.Second,
		AdminLowLevelLogLength:      1_000,
		WorkStealing:                true,
		CommOffload:                 false,
		CommRecentMessagesLogLength: 1_000,
		AdaptiveMinimum:             0,
		AdaptiveMaximum:             1 << 20,
		AdaptiveWaitCount:           3,
		HeartbeatTimeoutFactor:      5,
	}
}

// Load reads a YAML config file and merges it over the defaults. A
// missing file is not an error — Default() alone is a valid snapshot.
func Load(path string) (Snapshot, error) {
	snap := Default()
	if path == "" {
		return snap, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return snap, err
	}

	if err := yaml.Unmarshal(data, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// HeartbeatInterval implements §6/§4.3's cluster-size-dependent
// heartbeat cadence: 0.5s at <=10 workers, 1s at <50, 2s at <200,
// otherwise 5s.
func HeartbeatInterval(workerCount int) time.Duration {
	switch {
	case workerCount <= 10:
		return 500 * time.Millisecond
	case workerCount < 50:
		return 1 * time.Second
	case workerCount < 200:
		return 2 * time.Second
	default:
		return 5 * time.Second
	}
}
