package projection_test

import (
	"context"
	"testing"
	"time"

	"AgentLedger/internal/core"
	"AgentLedger/internal/event"
	"AgentLedger/internal/persistence"
	"AgentLedger/internal/projection"
	"AgentLedger/internal/query"
	"AgentLedger/internal/state"
	"AgentLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdt = 1_000_000

var (
	buyer = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	agent = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func TestPersistSnapshotRebuild(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	persistChan := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(0, state.DefaultParams(), persistChan, nil, persistence.NewPostgresIdempotencyChecker(db), nil)

	now := int64(1_000)
	hdr := func() event.Header {
		now += 10
		return event.Header{RequestID: uuid.New(), Timestamp: now, Block: uint64(now)}
	}
	cmds := []event.Event{
		&event.QualificationUpdated{Header: hdr(), Address: buyer, Role: event.RoleBuyer},
		&event.QualificationUpdated{Header: hdr(), Address: agent, Role: event.RoleAgent, Stake: 200 * usdt},
		&event.Deposit{Header: hdr(), Buyer: buyer, Agent: agent, Category: "audit", Amount: 40 * usdt},
		&event.Claim{Header: hdr(), Agent: agent, Buyer: buyer, Category: "audit", Amount: 15 * usdt},
	}
	for _, cmd := range cmds {
		_, err := c.Submit(cmd)
		require.NoError(t, err, cmd.EventType().String())
	}
	close(persistChan)

	worker := persistence.NewPersistenceWorker(db, persistChan, 10, 5*time.Millisecond, nil)
	require.NoError(t, worker.Run(ctx))

	snapMgr := persistence.NewSnapshotManager(db)
	head, err := snapMgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(cmds)-1), head)

	// Tier-2 dedup sees the committed command.
	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate(cmds[2].EventType().String(), cmds[2].IdempotencyKey())
	require.NoError(t, err)
	assert.True(t, dup)

	// Snapshots stay unverified until matched against the log.
	_, err = snapMgr.SaveSnapshot(ctx, c.CreateSnapshotState())
	require.NoError(t, err)
	latest, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	n, err := snapMgr.VerifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	latest, err = snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, head, latest.Sequence)

	applied, err := projection.Rebuild(ctx, db, snapMgr, state.DefaultParams(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(cmds)), applied)

	qs := query.NewQueryService(db)
	bal, err := qs.GetBalance(ctx, buyer, agent, "audit")
	require.NoError(t, err)
	assert.Equal(t, int64(40*usdt), bal.Deposited)
	assert.Equal(t, int64(15*usdt), bal.Claimed)
	assert.Equal(t, int64(25*usdt), bal.Available)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)
	assert.Zero(t, report.Imbalance)
}
