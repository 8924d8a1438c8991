package util

import (
	"fmt"
	"math"
	"strings"

	"github.com/vanillabrand/fandom/pkg/common"
)

// Job progress bands. Dispatch parks a job at DispatchProgress, mining moves
// it through [MiningBandStart, MiningBandStart+MiningBandWidth] and synthesis
// owns the rest.
const (
	DispatchProgress int = 5
	MiningBandStart  int = 10
	MiningBandWidth  int = 80
)

// SubtaskPercent is the share a subtask contributes to the mining band.
// Terminal subtasks count as done whether they completed or failed.
func SubtaskPercent(rec *common.SubtaskRecord) int {
	if rec == nil {
		return 0
	}
	if rec.State.Terminal() {
		return 100
	}
	return max(0, min(rec.Progress, 100))
}

// CalculateMiningProgress maps the mean of the required subtask percentages
// into the mining band. Missing subtasks count as zero.
func CalculateMiningProgress(subtasks map[string]*common.SubtaskRecord, required []string) int {
	if len(required) == 0 {
		return MiningBandStart
	}
	total := 0
	for _, name := range required {
		total += SubtaskPercent(subtasks[name])
	}
	mean := float64(total) / float64(len(required))
	return MiningBandStart + int(math.Floor(float64(MiningBandWidth)*mean/100))
}

// BuildCompositeStage renders one "name: stage" fragment per required
// subtask, in the given order.
func BuildCompositeStage(subtasks map[string]*common.SubtaskRecord, required []string) string {
	parts := make([]string, 0, len(required))
	for _, name := range required {
		rec := subtasks[name]
		if rec == nil {
			continue
		}
		label := rec.Stage
		switch {
		case rec.State.Terminal():
			label = string(rec.State)
		case label == "":
			label = fmt.Sprintf("%d%%", SubtaskPercent(rec))
		}
		parts = append(parts, name+": "+label)
	}
	return strings.Join(parts, " | ")
}
