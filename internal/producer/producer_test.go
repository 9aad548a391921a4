package producer

import (
	"testing"
	"time"

	"dujyochain/internal/consensus"
	"dujyochain/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidator() *models.ValidatorRecord {
	return &models.ValidatorRecord{
		Address:      "val1",
		Constituency: models.ConstituencyEconomic,
		Stake:        5_000,
		Reputation:   100,
		State:        models.ValidatorActive,
	}
}

func TestBuildBlockGenesis(t *testing.T) {
	now := time.Now().UTC()
	block := buildBlock(nil, testValidator(), []string{"0xaa", "0xbb"}, now)

	assert.Equal(t, uint64(0), block.Height)
	assert.Equal(t, models.GenesisPreviousHash, block.PreviousHash)
	assert.Equal(t, "val1", block.Producer)
	assert.Equal(t, string(models.ConstituencyEconomic), block.Constituency)
	assert.Equal(t, 2, block.TxCount)
	assert.Equal(t, block.ComputeHash(), block.Hash)

	require.NoError(t, consensus.VerifyProposal(nil, block))
}

func TestBuildBlockLinksToHead(t *testing.T) {
	now := time.Now().UTC()
	head := buildBlock(nil, testValidator(), []string{"0xaa"}, now)

	next := buildBlock(head, testValidator(), []string{"0xcc"}, now.Add(time.Second))

	assert.Equal(t, head.Height+1, next.Height)
	assert.Equal(t, head.Hash, next.PreviousHash)
	require.NoError(t, consensus.VerifyProposal(head, next))
}

func TestBuildBlockHashCoversTransactions(t *testing.T) {
	now := time.Now().UTC()
	a := buildBlock(nil, testValidator(), []string{"0xaa"}, now)
	b := buildBlock(nil, testValidator(), []string{"0xbb"}, now)

	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestNewProducerRequiresValidatorAddress(t *testing.T) {
	_, err := NewProducer(Config{}, nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "验证者地址")
}
