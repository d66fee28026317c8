package query

import (
	"context"

	"AgentLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// Reader answers the read-only queries. QueryService serves them from the
// projection tables; CoreReader serves them from the live core.
type Reader interface {
	GetBalance(ctx context.Context, buyer, agent common.Address, category string) (*BalanceResponse, error)
	GetOrder(ctx context.Context, id uint64) (*OrderResponse, error)
	GetDispute(ctx context.Context, orderID uint64) (*DisputeResponse, error)
	GetParticipant(ctx context.Context, addr common.Address) (*ParticipantResponse, error)
	GetTreasury(ctx context.Context) (*TreasuryResponse, error)
}

// OrderResponse is an order with its escrow.
type OrderResponse struct {
	ID           uint64         `json:"id"`
	Buyer        common.Address `json:"buyer"`
	Agent        common.Address `json:"agent"`
	Category     string         `json:"category"`
	Budget       int64          `json:"budget"`
	State        string         `json:"state"`
	ResultRef    string         `json:"result_ref,omitempty"`
	Escrow       int64          `json:"escrow"`
	Frozen       bool           `json:"frozen"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// DisputeResponse carries tallies keyed by option name.
type DisputeResponse struct {
	OrderID        uint64           `json:"order_id"`
	VotingDeadline int64            `json:"voting_deadline"`
	TotalWeight    int64            `json:"total_weight"`
	Tallies        map[string]int64 `json:"tallies"`
	Voters         int              `json:"voters"`
	Finalized      bool             `json:"finalized"`
	Decision       string           `json:"decision,omitempty"`
	AgentPayout    int64            `json:"agent_payout"`
	BuyerRefund    int64            `json:"buyer_refund"`
	AsOfSequence   int64            `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	Imbalance       int64   `json:"imbalance"` // sum of all projected accounts, must be 0
}

func talliesByName(t [event.NumVoteOptions]int64) map[string]int64 {
	m := make(map[string]int64, event.NumVoteOptions)
	for i, w := range t {
		m[event.VoteOption(i).String()] = w
	}
	return m
}
