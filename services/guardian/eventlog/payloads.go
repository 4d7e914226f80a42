// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eventlog

import (
	"time"

	"github.com/AleutianAI/AleutianGuard/services/guardian/datatypes"
)

// SamplePayload renders a metric sample for the metrics_collected
// event. Invalid fields are omitted rather than reported as zeros.
func SamplePayload(s datatypes.MetricSample) map[string]any {
	p := map[string]any{
		"target_pids": s.TargetPIDs,
	}
	if s.RAMValid {
		p["ram_pct"] = s.RAMPct
		p["ram_gb"] = s.RAMGB
	}
	if s.CPUValid {
		p["cpu_pct"] = s.CPUPct
	}
	if s.DiskValid {
		p["disk_pct"] = s.DiskPct
	}
	if s.TempValid {
		p["temp_c"] = s.TempC
	}
	return p
}

// TransitionPayload renders a state change for the state_transition
// event.
func TransitionPayload(tr *datatypes.StateTransition) map[string]any {
	return map[string]any{
		"transition_id":     tr.ID,
		"from_state":        tr.From.String(),
		"to_state":          tr.To.String(),
		"reason":            tr.Reason,
		"window_snapshot":   tr.WindowSnapshot,
		"flapping_detected": tr.FlappingDetected,
	}
}

// KillPayload renders a kill event.
func KillPayload(ev *datatypes.KillEvent) map[string]any {
	return map[string]any{
		"target_pids": ev.TargetPIDs,
		"outcome":     string(ev.Outcome),
		"triggering_metrics": map[string]any{
			"ram_pct": ev.TriggeringMetrics.RAMPct,
			"cpu_pct": ev.TriggeringMetrics.CPUPct,
		},
	}
}

// BrownoutPayload renders a mitigation level change.
func BrownoutPayload(level datatypes.BrownoutLevel) map[string]any {
	return map[string]any{"level": level.String()}
}

// LockdownPayload renders lockdown activation.
func LockdownPayload(until time.Time, reason string) map[string]any {
	return map[string]any{
		"lockdown_until": until.Format(time.RFC3339),
		"reason":         reason,
	}
}
