package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// VoteOption is an arbitrator's proposed outcome. Percentages in the split
// names are the buyer's refund share.
type VoteOption int32

const (
	VotePayAgent VoteOption = iota
	VoteRefundBuyer
	VoteSplit25
	VoteSplit50
	VoteSplit75
)

// NumVoteOptions is the size of the per-option tally.
const NumVoteOptions = 5

var voteOptionNames = [NumVoteOptions]string{"pay_agent", "refund_buyer", "split_25", "split_50", "split_75"}

// agent share in basis points, indexed by option
var agentShareBps = [NumVoteOptions]int64{10_000, 0, 7_500, 5_000, 2_500}

func (o VoteOption) Valid() bool {
	return o >= VotePayAgent && o <= VoteSplit75
}

func (o VoteOption) String() string {
	if !o.Valid() {
		return "unknown"
	}
	return voteOptionNames[o]
}

// AgentShareBps is the fraction of the frozen escrow paid to the agent.
func (o VoteOption) AgentShareBps() int64 {
	if !o.Valid() {
		return 0
	}
	return agentShareBps[o]
}

func ParseVoteOption(s string) (VoteOption, error) {
	for i, name := range voteOptionNames {
		if s == name {
			return VoteOption(i), nil
		}
	}
	return 0, fmt.Errorf("invalid vote option %q", s)
}

func (o VoteOption) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("invalid vote option %d", o)
	}
	return []byte(o.String()), nil
}

func (o *VoteOption) UnmarshalText(b []byte) error {
	v, err := ParseVoteOption(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

type OpenDispute struct {
	Header
	Caller  common.Address `json:"caller"`
	OrderID uint64         `json:"order_id"`
	Reason  string         `json:"reason"`
}

func (o *OpenDispute) EventType() EventType { return EventTypeOpenDispute }

type SubmitEvidence struct {
	Header
	Caller      common.Address `json:"caller"`
	OrderID     uint64         `json:"order_id"`
	EvidenceRef string         `json:"evidence_ref"`
}

func (s *SubmitEvidence) EventType() EventType { return EventTypeSubmitEvidence }

type Vote struct {
	Header
	Arbitrator common.Address `json:"arbitrator"`
	OrderID    uint64         `json:"order_id"`
	Option     VoteOption     `json:"option"`
}

func (v *Vote) EventType() EventType { return EventTypeVote }

// Finalize may be submitted by anyone.
type Finalize struct {
	Header
	Caller  common.Address `json:"caller"`
	OrderID uint64         `json:"order_id"`
}

func (f *Finalize) EventType() EventType { return EventTypeFinalize }

// WithdrawRewards drains an arbitrator's pending reward.
type WithdrawRewards struct {
	Header
	Arbitrator common.Address `json:"arbitrator"`
	Amount     int64          `json:"amount"`
}

func (w *WithdrawRewards) EventType() EventType { return EventTypeWithdrawRewards }
