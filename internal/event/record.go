package event

// RecordType names an outbound event record.
type RecordType string

const (
	RecordBalanceAssigned      RecordType = "BalanceAssigned"
	RecordBalanceClaimed       RecordType = "BalanceClaimed"
	RecordBalanceRefunded      RecordType = "BalanceRefunded"
	RecordEarningsWithdrawn    RecordType = "EarningsWithdrawn"
	RecordOrderProposed        RecordType = "OrderProposed"
	RecordOrderOpened          RecordType = "OrderOpened"
	RecordEscrowLocked         RecordType = "EscrowLocked"
	RecordOrderDelivered       RecordType = "OrderDelivered"
	RecordOrderConfirmed       RecordType = "OrderConfirmed"
	RecordEscrowReleased       RecordType = "EscrowReleased"
	RecordEscrowClaimed        RecordType = "EscrowClaimed"
	RecordEscrowFrozen         RecordType = "EscrowFrozen"
	RecordEscrowUnfrozen       RecordType = "EscrowUnfrozen"
	RecordDisputeOpened        RecordType = "DisputeOpened"
	RecordStakeSnapshotted     RecordType = "StakeSnapshotted"
	RecordEvidenceSubmitted    RecordType = "EvidenceSubmitted"
	RecordVoteCast             RecordType = "VoteCast"
	RecordArbitratorSlashed    RecordType = "ArbitratorSlashed"
	RecordArbitratorRewarded   RecordType = "ArbitratorRewarded"
	RecordDisputeFinalized     RecordType = "DisputeFinalized"
	RecordRewardsWithdrawn     RecordType = "RewardsWithdrawn"
	RecordQualificationUpdated RecordType = "QualificationUpdated"
)

// Record is an outbound notification produced by an accepted command. It
// carries the entity id and the resulting amounts.
type Record struct {
	Sequence int64             `json:"sequence"`
	Type     RecordType        `json:"type"`
	EntityID string            `json:"entity_id"`
	Amounts  map[string]int64  `json:"amounts,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// NewRecord starts a record for entityID.
func NewRecord(t RecordType, entityID string) Record {
	return Record{Type: t, EntityID: entityID}
}

// WithAmount sets a named amount and returns the record for chaining.
func (r Record) WithAmount(name string, v int64) Record {
	if r.Amounts == nil {
		r.Amounts = make(map[string]int64)
	}
	r.Amounts[name] = v
	return r
}

// WithAttr sets a named attribute and returns the record for chaining.
func (r Record) WithAttr(name, v string) Record {
	if r.Attrs == nil {
		r.Attrs = make(map[string]string)
	}
	r.Attrs[name] = v
	return r
}
