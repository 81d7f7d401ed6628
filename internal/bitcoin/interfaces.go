package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/internal/header"
)

// ChainSource is the part of bitcoind's RPC interface headers are read
// through. FetchHeader and FetchWorkHeader work against any ChainSource.
type ChainSource interface {
	// GetBlockCount returns the height of the most recent block.
	GetBlockCount(ctx context.Context) (int64, error)

	// GetBlockHash returns the hash of the block at height.
	GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error)

	// GetBlock returns the verbose getblock result for a display-order hash.
	GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error)

	// GetWork returns a getwork work unit.
	GetWork(ctx context.Context) (*WorkResult, error)
}

// RPCInterface is what the commands need from a bitcoind connection.
type RPCInterface interface {
	ChainSource

	// GetHeader resolves ref and returns its header.
	GetHeader(ctx context.Context, ref BlockRef) (*header.Header, error)

	// GetWorkHeader returns the header carried by a getwork work unit.
	GetWorkHeader(ctx context.Context) (*header.Header, error)

	// Ping tests connectivity to Bitcoin Core.
	Ping(ctx context.Context) error

	// Close gracefully shuts down the RPC client.
	Close()
}

// ZMQInterface defines the contract for Bitcoin Core ZMQ notifications.
type ZMQInterface interface {
	// Subscribe adds a topic subscription for ZMQ notifications.
	Subscribe(topic string) error

	// Connect establishes connection to the ZMQ endpoint.
	Connect() error

	// Listen delivers each message to handler until ctx is done.
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error

	// Close gracefully shuts down the ZMQ connection.
	Close() error
}

// BlockNotificationInterface routes raw ZMQ messages to block handlers.
type BlockNotificationInterface interface {
	// SetNewBlockHandler sets the callback for hashblock notifications.
	SetNewBlockHandler(handler func(hash chainhash.Hash) error)

	// HandleMessage processes one ZMQ message.
	HandleMessage(topic string, data []byte) error
}

// Compile-time interface compliance checks
var (
	_ RPCInterface               = (*RPCClient)(nil)
	_ ZMQInterface               = (*ZMQNotifier)(nil)
	_ BlockNotificationInterface = (*BlockNotificationHandler)(nil)
)
