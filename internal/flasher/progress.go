package flasher

import "github.com/openglow/glowflash/internal/partition"

// Plan maps per-partition byte progress onto the single 0-100 scale shown to
// the user. The weights are tuned by eye against observed write times, not
// measured; treat them as configuration.
type Plan struct {
	// AssetsDone is the value reported once all release assets are loaded.
	AssetsDone int
	// WriteBase is the value at which partition writes begin (after the
	// optional full erase).
	WriteBase int
	// Weights apportions the WriteBase..MaxBeforeReset range across the
	// five partitions, in write order.
	Weights [partition.Count]int
}

// MaxBeforeReset caps reported progress until the terminal reset step.
const MaxBeforeReset = 95

// Done is the terminal progress value.
const Done = 100

// PlanFor returns the progress plan for the given mode. A full erase spends
// visible time before the first write, so its plan starts later and gives
// the application image a smaller share.
func PlanFor(fullErase bool) Plan {
	if fullErase {
		return Plan{AssetsDone: 15, WriteBase: 25, Weights: [partition.Count]int{5, 2, 1, 2, 60}}
	}
	return Plan{AssetsDone: 10, WriteBase: 20, Weights: [partition.Count]int{5, 2, 1, 2, 65}}
}

// WriteValue computes cumulative progress while partition part has written
// written of total bytes: base, plus the full weight of every earlier
// partition, plus the current partition's weight scaled by its fraction.
// The result is clamped to MaxBeforeReset.
func (p Plan) WriteValue(part, written, total int) int {
	if part < 0 {
		part = 0
	}
	if part >= partition.Count {
		part = partition.Count - 1
	}

	v := p.WriteBase
	for i := 0; i < part; i++ {
		v += p.Weights[i]
	}

	if total > 0 {
		if written > total {
			written = total
		}
		if written < 0 {
			written = 0
		}
		v += p.Weights[part] * written / total
	}

	if v > MaxBeforeReset {
		v = MaxBeforeReset
	}
	return v
}
