package host

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"pool_validator/pkg/data"
	"pool_validator/pkg/p2p/message"
	"pool_validator/pkg/worker"
)

var _ worker.Transport = (*Host)(nil)

// RoundTrip sends a signed fetch request to the worker over a fresh stream
// and returns the raw response body. The stream is reset when ctx ends.
func (h *Host) RoundTrip(ctx context.Context, w data.WorkerHandle, task data.Task) ([]byte, error) {
	start := time.Now()
	body, err := h.roundTrip(ctx, w, task)
	if err != nil {
		h.metrics.IncrementFailed()
		return nil, err
	}
	h.metrics.RecordExchange(len(body), time.Since(start))
	return body, nil
}

func (h *Host) roundTrip(ctx context.Context, w data.WorkerHandle, task data.Task) ([]byte, error) {
	info, err := WorkerAddrInfo(w)
	if err != nil {
		return nil, err
	}
	h.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)

	dialCtx := ctx
	if h.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, h.dialTimeout)
		defer cancel()
	}
	stream, err := h.host.NewStream(dialCtx, info.ID, protocol.ID(FetchProtocol))
	if err != nil {
		return nil, fmt.Errorf("opening stream to %s: %w", info.ID, err)
	}
	defer stream.Close()

	stop := context.AfterFunc(ctx, func() { _ = stream.Reset() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetDeadline(deadline); err != nil {
			h.logger.Debug("Failed to set stream deadline", zap.Error(err))
		}
	}

	msg, err := message.NewMessage(message.FetchRequestMessage, message.FetchRequest{Query: task})
	if err != nil {
		return nil, err
	}
	msg.Recipient = info.ID
	if err := msg.Sign(h.privKey); err != nil {
		return nil, err
	}
	payload, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	writer := bufio.NewWriter(stream)
	if _, err := writer.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("flushing request: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, fmt.Errorf("closing request side: %w", err)
	}

	body, err := worker.ReadLimited(stream, h.maxResponseBytes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return body, nil
}
