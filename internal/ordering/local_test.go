package ordering_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jmerrifield20/providerledger/internal/ordering"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func proposal(i int) *ordering.Proposal {
	return &ordering.Proposal{TxID: fmt.Sprintf("tx%d", i), Op: "Register", Timestamp: time.Unix(int64(i), 0).UTC()}
}

func next(t *testing.T, o ordering.Orderer) *ordering.Block {
	t.Helper()
	select {
	case b, ok := <-o.Blocks():
		require.True(t, ok, "block channel closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for block")
		return nil
	}
}

func TestLocalOrderer_cutsBySize(t *testing.T) {
	o := ordering.NewLocalOrderer(ordering.LocalConfig{BatchSize: 3, BatchTimeout: time.Hour}, ordering.Start{}, zap.NewNop())
	defer o.Close()

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, o.Broadcast(ctx, proposal(i)))
	}

	b1 := next(t, o)
	b2 := next(t, o)
	assert.Equal(t, uint64(1), b1.Height)
	assert.Equal(t, uint64(2), b2.Height)
	require.Len(t, b1.Proposals, 3)
	assert.Equal(t, "tx0", b1.Proposals[0].TxID)
	assert.Equal(t, "tx3", b2.Proposals[0].TxID)

	assert.Equal(t, ordering.ZeroHash, b1.PrevHash)
	assert.Equal(t, b1.Hash, b2.PrevHash)
	assert.Equal(t, b2.ComputeHash(), b2.Hash)
}

func TestLocalOrderer_cutsByTimeout(t *testing.T) {
	o := ordering.NewLocalOrderer(ordering.LocalConfig{BatchSize: 100, BatchTimeout: 20 * time.Millisecond}, ordering.Start{Height: 41, PrevHash: "abc"}, zap.NewNop())
	defer o.Close()

	require.NoError(t, o.Broadcast(context.Background(), proposal(1)))
	b := next(t, o)
	assert.Equal(t, uint64(42), b.Height)
	assert.Equal(t, "abc", b.PrevHash)
	assert.Len(t, b.Proposals, 1)
}

func TestLocalOrderer_closed(t *testing.T) {
	o := ordering.NewLocalOrderer(ordering.LocalConfig{BatchSize: 1}, ordering.Start{}, zap.NewNop())
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())

	err := o.Broadcast(context.Background(), proposal(1))
	assert.ErrorIs(t, err, ordering.ErrClosed)

	_, ok := <-o.Blocks()
	assert.False(t, ok)
}

func TestBlock_hashCoversProposals(t *testing.T) {
	b := &ordering.Block{Height: 1, PrevHash: ordering.ZeroHash, Proposals: []*ordering.Proposal{proposal(1)}}
	h := b.ComputeHash()
	b.Proposals[0].Op = "Verify"
	assert.NotEqual(t, h, b.ComputeHash())
}
