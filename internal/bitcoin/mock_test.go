package bitcoin

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MockChainSource provides a ChainSource over an in-memory chain.
type MockChainSource struct {
	// Control mock behavior
	ShouldError bool
	ErrorMsg    string

	// Mock data, indexed by height
	Blocks []*btcjson.GetBlockVerboseResult
	Work   *WorkResult

	// Recorded calls
	CountCalls int
	HashCalls  []int64
	BlockCalls []string
}

var _ ChainSource = (*MockChainSource)(nil)

// NewMockChainSource returns a two-block mainnet chain: genesis and block 1.
func NewMockChainSource() *MockChainSource {
	genesis := chaincfg.MainNetParams.GenesisBlock.Header
	return &MockChainSource{
		Blocks: []*btcjson.GetBlockVerboseResult{
			{
				Hash:       chaincfg.MainNetParams.GenesisHash.String(),
				Height:     0,
				Version:    genesis.Version,
				MerkleRoot: genesis.MerkleRoot.String(),
				Time:       genesis.Timestamp.Unix(),
				Nonce:      genesis.Nonce,
				Bits:       "1d00ffff",
				Difficulty: 1,
			},
			{
				Hash:         "00000000839a8e6886ab5951d76f411475428afc90947ee320161bbf18eb6048",
				Height:       1,
				Version:      1,
				MerkleRoot:   "0e3e2357e806b6cdb1f70b54c3a3a17b6714ee1f0e68bebb44a74b1efd512098",
				Time:         1231469665,
				Nonce:        2573394689,
				Bits:         "1d00ffff",
				Difficulty:   1,
				PreviousHash: chaincfg.MainNetParams.GenesisHash.String(),
			},
		},
	}
}

func (m *MockChainSource) err() error {
	if m.ShouldError {
		return errors.New(m.ErrorMsg)
	}
	return nil
}

// GetBlockCount returns the height of the last mock block.
func (m *MockChainSource) GetBlockCount(_ context.Context) (int64, error) {
	m.CountCalls++
	if err := m.err(); err != nil {
		return 0, err
	}
	return int64(len(m.Blocks) - 1), nil
}

// GetBlockHash returns the hash of the mock block at height.
func (m *MockChainSource) GetBlockHash(_ context.Context, height int64) (*chainhash.Hash, error) {
	m.HashCalls = append(m.HashCalls, height)
	if err := m.err(); err != nil {
		return nil, err
	}
	if height < 0 || height >= int64(len(m.Blocks)) {
		return nil, errors.New("block height out of range")
	}
	return chainhash.NewHashFromStr(m.Blocks[height].Hash)
}

// GetBlock returns the mock block with hash.
func (m *MockChainSource) GetBlock(_ context.Context, hash string) (*btcjson.GetBlockVerboseResult, error) {
	m.BlockCalls = append(m.BlockCalls, hash)
	if err := m.err(); err != nil {
		return nil, err
	}
	for _, b := range m.Blocks {
		if b.Hash == hash {
			return b, nil
		}
	}
	return nil, errors.New("block not found")
}

// GetWork returns the configured work unit.
func (m *MockChainSource) GetWork(_ context.Context) (*WorkResult, error) {
	if err := m.err(); err != nil {
		return nil, err
	}
	if m.Work == nil {
		return nil, errors.New("Method not found")
	}
	return m.Work, nil
}
