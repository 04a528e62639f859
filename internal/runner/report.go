package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/NodePath81/netgrade/internal/probe"
	"github.com/NodePath81/netgrade/internal/quality"
	"github.com/NodePath81/netgrade/internal/sysinfo"
)

// CompositeReport is the aggregate of one run. Quality is nil for cancelled
// runs. Degraded lists stages whose output was replaced by fallback data.
// Duplicate is set when the measured content equals the previous run's.
type CompositeReport struct {
	RunID          string                  `json:"run_id"`
	Mode           string                  `json:"mode"`
	Context        *sysinfo.Info           `json:"context,omitempty"`
	Speed          probe.SpeedSample       `json:"speed"`
	Jitter         probe.JitterStats       `json:"jitter"`
	PacketLoss     probe.PacketTrialResult `json:"packet_loss"`
	Providers      []probe.ProviderResult  `json:"provider_results,omitempty"`
	Quality        *quality.Report         `json:"quality,omitempty"`
	BandwidthScore float64                 `json:"bandwidth_score"`
	Degraded       []Stage                 `json:"degraded,omitempty"`
	Incomplete     bool                    `json:"incomplete"`
	Duplicate      bool                    `json:"duplicate,omitempty"`
	Timestamp      time.Time               `json:"timestamp"`
}

// ContentHash fingerprints the measured content of a report. Run identity
// and timestamp are excluded so identical results hash equally.
func (r CompositeReport) ContentHash() string {
	clone := r
	clone.RunID = ""
	clone.Timestamp = time.Time{}
	clone.Duplicate = false
	data, err := json.Marshal(clone)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
