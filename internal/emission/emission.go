// Package emission builds fixed-point reward distributions for checkpoint
// settlement. All cruncher shares are expressed as frac64 fractions of
// Multiplier and always sum to exactly Multiplier.
package emission

import "math"

// Multiplier is 100% in the on-chain frac64 representation.
const Multiplier int64 = 1_000_000_000

// CruncherReward is one model's share, addressed by its rank index.
type CruncherReward struct {
	CruncherIndex int   `json:"cruncher_index"`
	RewardPct     int64 `json:"reward_pct"`
}

// ProviderReward is an infrastructure provider's share.
type ProviderReward struct {
	Provider  string `json:"provider"`
	RewardPct int64  `json:"reward_pct"`
}

// Checkpoint is the emission payload persisted on a checkpoint record.
type Checkpoint struct {
	Crunch                 string           `json:"crunch"`
	CruncherRewards        []CruncherReward `json:"cruncher_rewards"`
	ComputeProviderRewards []ProviderReward `json:"compute_provider_rewards"`
	DataProviderRewards    []ProviderReward `json:"data_provider_rewards"`
}

// Ranked is the slice of a checkpoint entry the emission builders read.
type Ranked struct {
	Rank    int
	Summary map[string]any
}

// Builder turns ranked checkpoint entries into an emission payload.
type Builder func(entries []Ranked, crunchPubkey, computeProvider, dataProvider string) Checkpoint

// PctToFrac64 converts a percentage (0-100) to frac64 (0 to Multiplier).
func PctToFrac64(pct float64) int64 {
	return int64(math.Round(pct / 100.0 * float64(Multiplier)))
}

// Default reward tiers: rank 1 takes 35%, ranks 2-5 take 10% each,
// ranks 6-10 take 5% each.
type tier struct {
	from, to int
	pct      float64
}

var defaultTiers = []tier{
	{from: 1, to: 1, pct: 35.0},
	{from: 2, to: 5, pct: 10.0},
	{from: 6, to: 10, pct: 5.0},
}

// BuildDefault distributes rewards by rank tier. When fewer models are
// present than the tiers cover, the unclaimed percentage is split equally
// across all entries. The frac64 rounding residual is absorbed by index 0
// so the total is exact.
func BuildDefault(entries []Ranked, crunchPubkey, computeProvider, dataProvider string) Checkpoint {
	rawPcts := make([]float64, len(entries))

	for i, entry := range entries {
		for _, t := range defaultTiers {
			if entry.Rank >= t.from && entry.Rank <= t.to {
				rawPcts[i] = t.pct

				break
			}
		}
	}

	var totalRaw float64
	for _, pct := range rawPcts {
		totalRaw += pct
	}

	if totalRaw < 100.0 && len(entries) > 0 {
		remainderEach := (100.0 - totalRaw) / float64(len(entries))
		for i := range rawPcts {
			rawPcts[i] += remainderEach
		}
	}

	return assemble(rawPcts, crunchPubkey, computeProvider, dataProvider)
}

// assemble converts raw percentages to frac64, absorbs the rounding
// residual into index 0, and attaches provider rewards.
func assemble(rawPcts []float64, crunchPubkey, computeProvider, dataProvider string) Checkpoint {
	frac64 := make([]int64, len(rawPcts))

	var total int64

	for i, pct := range rawPcts {
		frac64[i] = PctToFrac64(pct)
		total += frac64[i]
	}

	if len(frac64) > 0 {
		frac64[0] += Multiplier - total
	}

	rewards := make([]CruncherReward, len(frac64))
	for i, value := range frac64 {
		rewards[i] = CruncherReward{CruncherIndex: i, RewardPct: value}
	}

	checkpoint := Checkpoint{
		Crunch:                 crunchPubkey,
		CruncherRewards:        rewards,
		ComputeProviderRewards: []ProviderReward{},
		DataProviderRewards:    []ProviderReward{},
	}

	if computeProvider != "" {
		checkpoint.ComputeProviderRewards = []ProviderReward{
			{Provider: computeProvider, RewardPct: Multiplier},
		}
	}

	if dataProvider != "" {
		checkpoint.DataProviderRewards = []ProviderReward{
			{Provider: dataProvider, RewardPct: Multiplier},
		}
	}

	return checkpoint
}
