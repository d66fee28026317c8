package query

import "github.com/ethereum/go-ethereum/common"

// BalanceResponse is one (buyer, agent, category) slot.
type BalanceResponse struct {
	Buyer     common.Address `json:"buyer"`
	Agent     common.Address `json:"agent"`
	Category  string         `json:"category"`
	Deposited int64          `json:"deposited"`
	Claimed   int64          `json:"claimed"`
	Available int64          `json:"available"`

	AsOfSequence int64 `json:"as_of_sequence"` // last applied event sequence
}

// ParticipantResponse holds an address's earnings and rewards. Role and
// stake are only known to the live core.
type ParticipantResponse struct {
	Address        common.Address `json:"address"`
	Role           string         `json:"role,omitempty"`
	Stake          int64          `json:"stake,omitempty"`
	Withdrawable   int64          `json:"withdrawable"`
	PendingRewards int64          `json:"pending_rewards"`
	AsOfSequence   int64          `json:"as_of_sequence"`
}

// TreasuryResponse is the accumulated platform fee.
type TreasuryResponse struct {
	Balance      int64 `json:"balance"`
	AsOfSequence int64 `json:"as_of_sequence"`
}
