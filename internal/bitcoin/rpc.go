package bitcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/pkg/circuit"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
	"github.com/bardlex/gomine/pkg/retry"
)

// RPCClient reads headers and work from bitcoind over JSON-RPC. Every call
// goes through a circuit breaker and is retried with backoff.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	timeout        time.Duration
	logger         *log.Logger
}

// NewRPCClient creates a client in HTTP POST mode, which is what bitcoind
// speaks. No connection is made until the first call.
func NewRPCClient(conn Conn, logger *log.Logger) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", conn.Host, conn.Port),
		User:         conn.User,
		Pass:         conn.Password,
		HTTPPostMode: true,
		DisableTLS:   !conn.UseTLS,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", conn.Host).
			WithContext("port", conn.Port)
	}

	logger = logger.WithComponent("bitcoin_rpc")
	retryConfig := retry.RPCConfig()
	retryConfig.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.WithError(err).Warn("retrying bitcoind call", "attempt", attempt, "delay_ms", delay.Milliseconds())
	}

	cbConfig := &circuit.Config{
		Name:            "bitcoind",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retryConfig,
		timeout:        conn.Timeout,
		logger:         logger,
	}, nil
}

// Close shuts the underlying client down.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// call runs one guarded, retried request. receive blocks in its own
// goroutine so a per-call timeout or ctx can abandon it.
func call[T any](ctx context.Context, c *RPCClient, op string, receive func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (T, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (T, error) {
			callCtx := ctx
			if c.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, c.timeout)
				defer cancel()
			}
			return await(callCtx, op, receive)
		})
	})
}

func await[T any](ctx context.Context, op string, receive func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := receive()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			var zero T
			return zero, errors.Wrap(r.err, errors.ErrorTypeBitcoin, op, "bitcoind request failed")
		}
		return r.value, nil
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, op, "bitcoind request abandoned")
	}
}

// GetBlockCount returns the height of the most recent block.
func (c *RPCClient) GetBlockCount(ctx context.Context) (int64, error) {
	return call(ctx, c, "get_block_count", func() (int64, error) {
		return c.client.GetBlockCountAsync().Receive()
	})
}

// GetBlockHash returns the hash of the block at height.
func (c *RPCClient) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	hash, err := call(ctx, c, "get_block_hash", func() (*chainhash.Hash, error) {
		return c.client.GetBlockHashAsync(height).Receive()
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block_hash",
			"failed to look up block hash").WithContext("height", height)
	}
	return hash, nil
}

// GetBlock returns the verbose getblock result for hash.
func (c *RPCClient) GetBlock(ctx context.Context, hash string) (*btcjson.GetBlockVerboseResult, error) {
	blockHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "hash_parsing",
			"failed to parse block hash").
			WithContext("hash", hash)
	}

	block, err := call(ctx, c, "get_block", func() (*btcjson.GetBlockVerboseResult, error) {
		return c.client.GetBlockVerboseAsync(blockHash).Receive()
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "get_block",
			"failed to retrieve block information").
			WithContext("block_hash", hash)
	}
	return block, nil
}

// GetWork issues the legacy getwork call. Nodes that no longer implement
// it answer with a method-not-found error.
func (c *RPCClient) GetWork(ctx context.Context) (*WorkResult, error) {
	raw, err := call(ctx, c, "get_work", func() (json.RawMessage, error) {
		return c.client.RawRequestAsync("getwork", nil).Receive()
	})
	if err != nil {
		return nil, err
	}

	var work WorkResult
	if err := json.Unmarshal(raw, &work); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformedEncoding, "get_work",
			"unexpected getwork response")
	}
	return &work, nil
}

// GetHeader fetches the header of the block ref points to.
func (c *RPCClient) GetHeader(ctx context.Context, ref BlockRef) (*header.Header, error) {
	return FetchHeader(ctx, c, ref)
}

// GetWorkHeader fetches work and decodes its header.
func (c *RPCClient) GetWorkHeader(ctx context.Context) (*header.Header, error) {
	return FetchWorkHeader(ctx, c)
}

// Ping checks that bitcoind answers.
func (c *RPCClient) Ping(ctx context.Context) error {
	_, err := call(ctx, c, "ping", func() (struct{}, error) {
		return struct{}{}, c.client.PingAsync().Receive()
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
			"Bitcoin Core connectivity check failed")
	}
	return nil
}

// BreakerStats exposes the circuit breaker for health reporting.
func (c *RPCClient) BreakerStats() circuit.Stats {
	return c.circuitBreaker.GetStats()
}

// FetchHeader resolves ref against src and returns the block's header,
// with its height and the node-reported hash set.
func FetchHeader(ctx context.Context, src ChainSource, ref BlockRef) (*header.Header, error) {
	hash := ref.Hash
	if hash == nil {
		height := ref.Height
		if height < 0 {
			count, err := src.GetBlockCount(ctx)
			if err != nil {
				return nil, err
			}
			height = count + height + 1
			if height < 0 {
				return nil, errors.Newf(errors.ErrorTypeValidation, "fetch_header",
					"offset %d is below genesis at tip %d", ref.Height, count)
			}
		}

		var err error
		hash, err = src.GetBlockHash(ctx, height)
		if err != nil {
			return nil, err
		}
	}

	block, err := src.GetBlock(ctx, hash.String())
	if err != nil {
		return nil, err
	}
	h, err := header.FromBlockVerbose(block)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "fetch_header",
			"node returned an unusable block").WithContext("ref", ref.String())
	}
	return h, nil
}

// FetchWorkHeader requests work from src and decodes the header in it.
func FetchWorkHeader(ctx context.Context, src ChainSource) (*header.Header, error) {
	work, err := src.GetWork(ctx)
	if err != nil {
		return nil, err
	}
	return header.FromWork(work.Data)
}
