// Package bitcoin talks to a running bitcoind: JSON-RPC for headers and
// work, ZMQ for new-tip notifications, and bitcoin.conf for credentials.
package bitcoin

import (
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/pkg/errors"
)

// BlockRef selects a block by hash or by height. A negative height counts
// back from the tip: -1 is the most recent block.
type BlockRef struct {
	Height int64
	Hash   *chainhash.Hash
}

// Tip is the most recent block.
var Tip = BlockRef{Height: -1}

// AtHeight returns a reference to the block at height.
func AtHeight(height int64) BlockRef {
	return BlockRef{Height: height}
}

// ByHash returns a reference to the block with hash.
func ByHash(hash chainhash.Hash) BlockRef {
	return BlockRef{Hash: &hash}
}

// ParseBlockRef accepts a 64-character block hash or a decimal height.
func ParseBlockRef(s string) (BlockRef, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*chainhash.HashSize {
		hash, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return BlockRef{}, errors.Wrap(err, errors.ErrorTypeValidation, "parse_block_ref",
				"invalid block hash").WithContext("ref", s)
		}
		return ByHash(*hash), nil
	}

	height, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return BlockRef{}, errors.Wrap(err, errors.ErrorTypeValidation, "parse_block_ref",
			"expected a block hash or height").WithContext("ref", s)
	}
	return AtHeight(height), nil
}

// String returns the hash or the height.
func (r BlockRef) String() string {
	if r.Hash != nil {
		return r.Hash.String()
	}
	return strconv.FormatInt(r.Height, 10)
}

// WorkResult is the getwork response. Data is the padded header with every
// 4-byte word byte-swapped.
type WorkResult struct {
	Data   string `json:"data"`
	Target string `json:"target,omitempty"`
}

// NetParams returns the chain parameters for a network name as bitcoind
// spells it in its -chain option, plus "mainnet".
func NetParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "main", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "test", "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, errors.New(errors.ErrorTypeValidation, "net_params",
		"unknown network").WithContext("network", network)
}
