package state

import "fmt"

// Params are the protocol constants. Amounts are in 6-decimal minor units,
// rates in basis points, periods in seconds.
type Params struct {
	MinAgentStake          int64 `yaml:"min_agent_stake" json:"min_agent_stake"`
	MinArbitratorStake     int64 `yaml:"min_arbitrator_stake" json:"min_arbitrator_stake"`
	MinDepositAmount       int64 `yaml:"min_deposit_amount" json:"min_deposit_amount"`
	FixedDisputeFee        int64 `yaml:"fixed_dispute_fee" json:"fixed_dispute_fee"`
	SlashRateBps           int64 `yaml:"slash_rate_bps" json:"slash_rate_bps"`
	PlatformFeeBps         int64 `yaml:"platform_fee_bps" json:"platform_fee_bps"`
	EarlyFinalizationBps   int64 `yaml:"early_finalization_bps" json:"early_finalization_bps"`
	MinVotingParticipation int   `yaml:"min_voting_participation" json:"min_voting_participation"`
	DisputeVotingPeriod    int64 `yaml:"dispute_voting_period" json:"dispute_voting_period"`
}

// DefaultParams returns the reference marketplace constants.
func DefaultParams() Params {
	return Params{
		MinAgentStake:          100_000_000,
		MinArbitratorStake:     500_000_000,
		MinDepositAmount:       1_000_000,
		FixedDisputeFee:        10_000_000,
		SlashRateBps:           1_000,
		PlatformFeeBps:         500,
		EarlyFinalizationBps:   6_667,
		MinVotingParticipation: 3,
		DisputeVotingPeriod:    259_200, // 72h
	}
}

// ValidateParams checks that parameters are within valid ranges.
func ValidateParams(p Params) error {
	if p.MinAgentStake <= 0 {
		return fmt.Errorf("min_agent_stake must be > 0, got %d", p.MinAgentStake)
	}
	if p.MinArbitratorStake <= 0 {
		return fmt.Errorf("min_arbitrator_stake must be > 0, got %d", p.MinArbitratorStake)
	}
	if p.MinDepositAmount <= 0 {
		return fmt.Errorf("min_deposit_amount must be > 0, got %d", p.MinDepositAmount)
	}
	if p.FixedDisputeFee < 0 {
		return fmt.Errorf("fixed_dispute_fee must be >= 0, got %d", p.FixedDisputeFee)
	}
	for name, bps := range map[string]int64{
		"slash_rate_bps":   p.SlashRateBps,
		"platform_fee_bps": p.PlatformFeeBps,
	} {
		if bps < 0 || bps > 10_000 {
			return fmt.Errorf("%s must be within [0, 10000], got %d", name, bps)
		}
	}
	if p.EarlyFinalizationBps <= 5_000 || p.EarlyFinalizationBps > 10_000 {
		return fmt.Errorf("early_finalization_bps must be within (5000, 10000], got %d", p.EarlyFinalizationBps)
	}
	if p.MinVotingParticipation < 1 {
		return fmt.Errorf("min_voting_participation must be >= 1, got %d", p.MinVotingParticipation)
	}
	if p.DisputeVotingPeriod <= 0 {
		return fmt.Errorf("dispute_voting_period must be > 0, got %d", p.DisputeVotingPeriod)
	}
	return nil
}
