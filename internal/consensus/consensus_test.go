package consensus

import (
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	chainerrors "dujyochain/internal/errors"
	"dujyochain/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommitStore(t *testing.T) *CommitStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commit.db")
	store, err := NewCommitStore(path, 10*time.Second, 10*time.Second, logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func defaultParams() Params {
	return Params{
		MaxEconomic:       100,
		MaxCreative:       50,
		MaxCommunity:      50,
		LambdaEconomic:    0.4,
		LambdaCreative:    0.35,
		LambdaCommunity:   0.25,
		MinimumStake:      1000,
		MinCreativeScore:  50,
		MinCommunityScore: 30,
		SelectionCooldown: 5 * time.Second,
		MinReputation:     50,
	}
}

// fakeLedger 内存验证者账本
type fakeLedger struct {
	validators map[string]*models.ValidatorRecord
	stakes     map[string]*models.StakePosition
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		validators: make(map[string]*models.ValidatorRecord),
		stakes:     make(map[string]*models.StakePosition),
	}
}

func (f *fakeLedger) ValidatorForUpdate(address string) (*models.ValidatorRecord, error) {
	v, ok := f.validators[address]
	if !ok {
		return nil, nil
	}
	clone := *v
	return &clone, nil
}

func (f *fakeLedger) SaveValidator(v *models.ValidatorRecord) error {
	clone := *v
	f.validators[v.Address] = &clone
	return nil
}

func (f *fakeLedger) CountValidators(c models.Constituency) (int, error) {
	n := 0
	for _, v := range f.validators {
		if v.Constituency == c && v.State != models.ValidatorDeactivated {
			n++
		}
	}
	return n, nil
}

func (f *fakeLedger) StakeForUpdate(owner string) (*models.StakePosition, error) {
	pos, ok := f.stakes[owner]
	if !ok {
		return nil, nil
	}
	clone := *pos
	return &clone, nil
}

func TestCommitRevealHappyPath(t *testing.T) {
	store := newTestCommitStore(t)
	now := time.Now()
	secret := []byte("round-1-secret")

	require.NoError(t, store.Commit(1, "val1", ComputeCommitment(secret), now))
	require.NoError(t, store.Reveal(1, "val1", secret, now.Add(time.Second)))

	entropy, err := store.RoundEntropy(1)
	require.NoError(t, err)
	assert.Len(t, entropy, sha256.Size)
}

func TestRevealMismatchDisqualifies(t *testing.T) {
	store := newTestCommitStore(t)
	now := time.Now()

	require.NoError(t, store.Commit(1, "val1", ComputeCommitment([]byte("honest")), now))
	require.NoError(t, store.Commit(1, "val2", ComputeCommitment([]byte("other")), now))

	// 揭示值与承诺不符，资格取消
	err := store.Reveal(1, "val1", []byte("cheating"), now.Add(time.Second))
	require.Error(t, err)

	// 取消资格已落库，事后补交正确秘密值也不能恢复资格
	err = store.Reveal(1, "val1", []byte("honest"), now.Add(2*time.Second))
	require.Error(t, err)
	ce := chainerrors.AsChainError(err)
	require.NotNil(t, ce)
	assert.Equal(t, "COMMITMENT_NOT_PENDING", ce.Code)

	// 其他验证者的承诺不受影响
	require.NoError(t, store.Reveal(1, "val2", []byte("other"), now.Add(time.Second)))
	_, err = store.RoundEntropy(1)
	assert.NoError(t, err)
}

func TestDuplicateCommitmentRejected(t *testing.T) {
	store := newTestCommitStore(t)
	now := time.Now()

	require.NoError(t, store.Commit(1, "val1", ComputeCommitment([]byte("a")), now))
	err := store.Commit(1, "val1", ComputeCommitment([]byte("b")), now)
	assert.Error(t, err)
}

func TestRevealWindowTimeout(t *testing.T) {
	store := newTestCommitStore(t)
	now := time.Now()
	secret := []byte("late")

	require.NoError(t, store.Commit(1, "val1", ComputeCommitment(secret), now))

	// 超出揭示窗口
	err := store.Reveal(1, "val1", secret, now.Add(time.Minute))
	require.Error(t, err)

	// 超时判罚同样落库，回到窗口内重试也无效
	err = store.Reveal(1, "val1", secret, now.Add(2*time.Second))
	require.Error(t, err)
	ce := chainerrors.AsChainError(err)
	require.NotNil(t, ce)
	assert.Equal(t, "COMMITMENT_NOT_PENDING", ce.Code)
}

func TestExpireStale(t *testing.T) {
	store := newTestCommitStore(t)
	now := time.Now()

	require.NoError(t, store.Commit(1, "val1", ComputeCommitment([]byte("a")), now))
	require.NoError(t, store.Commit(1, "val2", ComputeCommitment([]byte("b")), now))
	require.NoError(t, store.Reveal(1, "val2", []byte("b"), now.Add(time.Second)))

	expired, err := store.ExpireStale(1, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"val1"}, expired)

	// 已揭示的不受影响
	_, err = store.RoundEntropy(1)
	assert.NoError(t, err)
}

func TestNoRevealsNoEntropy(t *testing.T) {
	store := newTestCommitStore(t)
	_, err := store.RoundEntropy(99)
	assert.Error(t, err)
}

func TestRegisterEconomicRequiresStake(t *testing.T) {
	engine := NewEngine(defaultParams(), logrus.New())
	led := newFakeLedger()

	_, err := engine.Register(led, "val1", RegistrationInput{
		Constituency: models.ConstituencyEconomic,
	}, time.Now())
	assert.Error(t, err)

	led.stakes["val1"] = &models.StakePosition{Owner: "val1", Amount: 5_000}
	record, err := engine.Register(led, "val1", RegistrationInput{
		Constituency: models.ConstituencyEconomic,
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.ValidatorActive, record.State)
	assert.Equal(t, uint64(5_000), record.Stake)
	assert.Equal(t, 100.0, record.Reputation)
}

func TestRegisterCreativeEligibility(t *testing.T) {
	engine := NewEngine(defaultParams(), logrus.New())
	led := newFakeLedger()

	// 无创作资产拒绝
	_, err := engine.Register(led, "artist", RegistrationInput{
		Constituency: models.ConstituencyCreative,
		Score:        80,
	}, time.Now())
	assert.Error(t, err)

	// 评分低于门槛拒绝
	_, err = engine.Register(led, "artist", RegistrationInput{
		Constituency:   models.ConstituencyCreative,
		CreativeAssets: []string{"asset-1"},
		Score:          10,
	}, time.Now())
	assert.Error(t, err)

	_, err = engine.Register(led, "artist", RegistrationInput{
		Constituency:   models.ConstituencyCreative,
		CreativeAssets: []string{"asset-1"},
		Score:          80,
	}, time.Now())
	assert.NoError(t, err)
}

func TestRegisterCommunityEligibility(t *testing.T) {
	engine := NewEngine(defaultParams(), logrus.New())
	led := newFakeLedger()

	// 未通过身份验证拒绝
	_, err := engine.Register(led, "member", RegistrationInput{
		Constituency: models.ConstituencyCommunity,
		Score:        50,
	}, time.Now())
	assert.Error(t, err)

	_, err = engine.Register(led, "member", RegistrationInput{
		Constituency: models.ConstituencyCommunity,
		Score:        50,
		IdentityOK:   true,
	}, time.Now())
	assert.NoError(t, err)
}

func TestRegisterConstituencyCap(t *testing.T) {
	params := defaultParams()
	params.MaxCommunity = 1
	engine := NewEngine(params, logrus.New())
	led := newFakeLedger()

	input := RegistrationInput{
		Constituency: models.ConstituencyCommunity,
		Score:        50,
		IdentityOK:   true,
	}
	_, err := engine.Register(led, "member1", input, time.Now())
	require.NoError(t, err)

	_, err = engine.Register(led, "member2", input, time.Now())
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	engine := NewEngine(defaultParams(), logrus.New())
	led := newFakeLedger()
	led.stakes["val1"] = &models.StakePosition{Owner: "val1", Amount: 5_000}

	input := RegistrationInput{Constituency: models.ConstituencyEconomic}
	_, err := engine.Register(led, "val1", input, time.Now())
	require.NoError(t, err)

	_, err = engine.Register(led, "val1", input, time.Now())
	assert.Error(t, err)
}

func TestSelectProducerDeterministic(t *testing.T) {
	engine := NewEngine(defaultParams(), logrus.New())
	old := time.Now().Add(-time.Hour)
	validators := []*models.ValidatorRecord{
		{Address: "eco1", Constituency: models.ConstituencyEconomic, Stake: 10_000,
			Reputation: 100, State: models.ValidatorActive, LastSelected: old},
		{Address: "cre1", Constituency: models.ConstituencyCreative,
			CreativeAssets: []string{"a"}, CommunityScore: 80,
			Reputation: 100, State: models.ValidatorActive, LastSelected: old},
		{Address: "com1", Constituency: models.ConstituencyCommunity, CommunityScore: 60,
			Reputation: 100, State: models.ValidatorActive, LastSelected: old},
	}

	entropy := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	first, err := engine.SelectProducer(validators, entropy, time.Now())
	require.NoError(t, err)

	// 相同的熵产生相同的结果，其他节点可复验
	for i := 0; i < 5; i++ {
		again, err := engine.SelectProducer(validators, entropy, time.Now())
		require.NoError(t, err)
		assert.Equal(t, first.Address, again.Address)
	}
}

func TestSelectProducerSkipsIneligible(t *testing.T) {
	engine := NewEngine(defaultParams(), logrus.New())
	now := time.Now()
	old := now.Add(-time.Hour)
	validators := []*models.ValidatorRecord{
		{Address: "cooling", Constituency: models.ConstituencyEconomic, Stake: 10_000,
			Reputation: 100, State: models.ValidatorActive, LastSelected: now},
		{Address: "deactivated", Constituency: models.ConstituencyEconomic, Stake: 10_000,
			Reputation: 100, State: models.ValidatorDeactivated, LastSelected: old},
		{Address: "low_rep", Constituency: models.ConstituencyEconomic, Stake: 10_000,
			Reputation: 10, State: models.ValidatorActive, LastSelected: old},
		{Address: "ok", Constituency: models.ConstituencyEconomic, Stake: 10_000,
			Reputation: 100, State: models.ValidatorActive, LastSelected: old},
	}

	producer, err := engine.SelectProducer(validators, []byte{9, 9, 9, 9, 9, 9, 9, 9}, now)
	require.NoError(t, err)
	assert.Equal(t, "ok", producer.Address)
}

func TestSelectProducerNoCandidates(t *testing.T) {
	engine := NewEngine(defaultParams(), logrus.New())
	_, err := engine.SelectProducer(nil, []byte{1, 2, 3, 4, 5, 6, 7, 8}, time.Now())
	assert.Error(t, err)
}

func TestVerifyProposalLinkage(t *testing.T) {
	head := &models.Block{Height: 5, Producer: "val1", Constituency: "economic",
		PreviousHash: models.GenesisPreviousHash, Timestamp: time.Now()}
	head.Hash = head.ComputeHash()

	good := &models.Block{Height: 6, PreviousHash: head.Hash, Producer: "val2",
		Constituency: "creative", Timestamp: time.Now()}
	good.Hash = good.ComputeHash()
	assert.NoError(t, VerifyProposal(head, good))

	// 高度跳跃
	skipped := &models.Block{Height: 8, PreviousHash: head.Hash, Producer: "val2",
		Timestamp: time.Now()}
	skipped.Hash = skipped.ComputeHash()
	assert.Error(t, VerifyProposal(head, skipped))

	// 前驱哈希断链
	broken := &models.Block{Height: 6, PreviousHash: "0xdead", Producer: "val2",
		Timestamp: time.Now()}
	broken.Hash = broken.ComputeHash()
	assert.Error(t, VerifyProposal(head, broken))

	// 哈希与内容不符
	tampered := &models.Block{Height: 6, PreviousHash: head.Hash, Producer: "val2",
		Timestamp: time.Now(), Hash: "0xbogus"}
	assert.Error(t, VerifyProposal(head, tampered))
}

func TestVerifyGenesisProposal(t *testing.T) {
	genesis := &models.Block{Height: 0, PreviousHash: models.GenesisPreviousHash,
		Producer: "val1", Constituency: "economic", Timestamp: time.Now()}
	genesis.Hash = genesis.ComputeHash()
	assert.NoError(t, VerifyProposal(nil, genesis))

	// 空链不接受非零高度
	wrong := &models.Block{Height: 3, PreviousHash: models.GenesisPreviousHash,
		Producer: "val1", Timestamp: time.Now()}
	wrong.Hash = wrong.ComputeHash()
	assert.Error(t, VerifyProposal(nil, wrong))
}
