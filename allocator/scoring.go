package allocator

import (
	"github.com/tailored-agentic-units/controlplane/config"
	"github.com/tailored-agentic-units/controlplane/model"
)

// toolScore rates tool fit: full credit for the recommended tool, half
// credit for a tooled worker lacking it, zero for an untooled worker or a
// hard tool requirement that is not met.
func toolScore(s *model.Subtask, w *model.Worker) float64 {
	if len(w.Tools) == 0 {
		return 0
	}
	if s.RecommendedTool == "" || w.Tools.Contains(s.RecommendedTool) {
		return 1
	}
	if s.RequireTool {
		return 0
	}
	return 0.5
}

// resourceScore rates worker headroom, weighting cpu and memory over
// disk. A worker that has never reported metrics scores neutral.
func resourceScore(w *model.Worker) float64 {
	if !w.MetricsKnown() {
		return 0.5
	}
	score := 0.4*(1-w.CPUPercent/100) + 0.4*(1-w.MemoryPercent/100) + 0.2*(1-w.DiskPercent/100)
	if score < 0 {
		return 0
	}
	return score
}

// privacyScore rates data-locality fit. Sensitive subtasks prefer workers
// whose tools run locally: all-local 1.0, mixed 0.8, cloud-only 0.5.
func privacyScore(s *model.Subtask, w *model.Worker, localTools []string) float64 {
	if s.Privacy != model.PrivacySensitive {
		return 1
	}

	local, cloud := 0, 0
	for _, tool := range w.Tools {
		if isLocal(tool, localTools) {
			local++
		} else {
			cloud++
		}
	}
	switch {
	case local > 0 && cloud == 0:
		return 1
	case local > 0:
		return 0.8
	default:
		return 0.5
	}
}

func isLocal(tool string, localTools []string) bool {
	for _, lt := range localTools {
		if tool == lt {
			return true
		}
	}
	return false
}

// score computes the weighted pairing score in [0, 1].
func score(s *model.Subtask, w *model.Worker, cfg config.AllocatorConfig) float64 {
	weights := cfg.Weights.Normalize()
	return weights.Tool*toolScore(s, w) +
		weights.Resource*resourceScore(w) +
		weights.Privacy*privacyScore(s, w, cfg.LocalTools)
}
