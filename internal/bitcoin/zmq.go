package bitcoin

import (
	"context"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
)

// TopicHashBlock is bitcoind's new-tip notification. The payload is the
// block hash in display order.
const TopicHashBlock = "hashblock"

// receiveTimeout bounds each blocking receive so Listen notices ctx.
const receiveTimeout = 500 * time.Millisecond

// ZMQNotifier subscribes to bitcoind's ZMQ publisher.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a SUB socket for endpoint (e.g. tcp://127.0.0.1:28332).
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket", "failed to create ZMQ socket")
	}
	if err := socket.SetRcvtimeo(receiveTimeout); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket", "failed to set receive timeout")
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_subscribe", "failed to subscribe").
			WithContext("topic", topic)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_connect", "failed to connect").
			WithContext("endpoint", z.endpoint)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen receives messages until ctx is done. Handler errors are logged
// and do not stop the loop.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	z.logger.Info("starting ZMQ listener")

	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		// topic, body and a sequence number
		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		z.logger.Debug("received ZMQ message", "topic", topic, "size", len(msg[1]))

		if err := handler(topic, msg[1]); err != nil {
			z.logger.WithError(err).Error("failed to handle ZMQ message", "topic", topic)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockNotificationHandler turns hashblock messages into block hashes.
type BlockNotificationHandler struct {
	logger     *log.Logger
	onNewBlock func(hash chainhash.Hash) error
}

// NewBlockNotificationHandler creates a new block notification handler
func NewBlockNotificationHandler(logger *log.Logger) *BlockNotificationHandler {
	return &BlockNotificationHandler{
		logger: logger.WithComponent("zmq"),
	}
}

// SetNewBlockHandler sets the handler for new block notifications
func (h *BlockNotificationHandler) SetNewBlockHandler(handler func(hash chainhash.Hash) error) {
	h.onNewBlock = handler
}

// HandleMessage handles a ZMQ message. Topics other than hashblock are
// ignored.
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	if topic != TopicHashBlock {
		h.logger.Debug("ignoring ZMQ topic", "topic", topic)
		return nil
	}
	if len(data) != chainhash.HashSize {
		return errors.Newf(errors.ErrorTypeMalformedEncoding, "handle_hashblock",
			"invalid block hash length: %d", len(data))
	}

	// published in display order; chainhash keeps the reverse
	var hash chainhash.Hash
	for i := range data {
		hash[chainhash.HashSize-1-i] = data[i]
	}
	h.logger.Info("new block notification", "block_hash", hash.String())

	if h.onNewBlock != nil {
		return h.onNewBlock(hash)
	}
	return nil
}
