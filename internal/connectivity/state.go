package connectivity

import "time"

// Quality is a coarse classification of how reachable the farm API is.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityPoor    Quality = "poor"
	QualityOffline Quality = "offline"
)

func (q Quality) String() string {
	return string(q)
}

// State is the monitor's current estimate of reachability.
type State struct {
	IsOnline    bool          `json:"isOnline"`
	Quality     Quality       `json:"connectionQuality"`
	LastOnline  time.Time     `json:"lastOnline"`
	LastChecked time.Time     `json:"lastChecked"`
	Latency     time.Duration `json:"latency"`
	LastError   string        `json:"lastError,omitempty"`
	// Source is what produced this state: probe, network, or initial
	Source string `json:"source"`
}

const (
	sourceInitial = "initial"
	sourceProbe   = "probe"
	sourceNetwork = "network"
)

func offlineState() State {
	return State{Quality: QualityOffline, Source: sourceInitial}
}
