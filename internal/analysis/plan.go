// Package analysis drives an assembled video through segmentation and
// per-segment audio and visual inference.
package analysis

import (
	"math"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
)

const (
	CompleteThreshold = 0.9
	PartialThreshold  = 0.5

	// planEpsilon absorbs float noise in probed durations so that a 60.0s
	// video split at 30s yields two segments, not three.
	planEpsilon = 1e-6
)

// SegmentPlan is one slice of the timeline. Numbers are 1-based.
type SegmentPlan struct {
	Number   int
	Start    float64
	End      float64
	Duration float64
}

// PlanSegments splits duration into ceil(duration/length) contiguous
// slices; the last one takes the remainder.
func PlanSegments(duration, length float64) []SegmentPlan {
	if duration <= 0 || length <= 0 {
		return nil
	}
	n := int(math.Ceil(duration/length - planEpsilon))
	if n < 1 {
		n = 1
	}

	plans := make([]SegmentPlan, n)
	for i := 0; i < n; i++ {
		start := float64(i) * length
		end := start + length
		if i == n-1 {
			end = duration
		}
		plans[i] = SegmentPlan{
			Number:   i + 1,
			Start:    start,
			End:      end,
			Duration: end - start,
		}
	}
	return plans
}

// AggregateStatus chooses the final video status from the success rate.
func AggregateStatus(succeeded, total int) string {
	if total <= 0 {
		return catalog.VideoStatusAnalysisFailed
	}
	rate := float64(succeeded) / float64(total)
	switch {
	case rate >= CompleteThreshold:
		return catalog.VideoStatusAnalysisComplete
	case rate >= PartialThreshold:
		return catalog.VideoStatusAnalysisPartial
	default:
		return catalog.VideoStatusAnalysisFailed
	}
}

// batches partitions items into consecutive groups of at most size.
func batches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
