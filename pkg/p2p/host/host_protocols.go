package host

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	libp2pNetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"pool_validator/pkg/data"
	"pool_validator/pkg/p2p/message"
)

const maxRequestBytes = 1 << 20

// FetchHandler answers a task on the worker side of the fetch protocol
type FetchHandler func(ctx context.Context, task data.Task) (*data.Response, error)

// ServeFetch registers handler for incoming fetch requests. Requests must be
// signed by the dialing peer and addressed to this host.
func (h *Host) ServeFetch(handler FetchHandler, timeout time.Duration) {
	h.host.SetStreamHandler(protocol.ID(FetchProtocol), func(stream libp2pNetwork.Stream) {
		h.handleFetchStream(stream, handler, timeout)
	})
}

// StopServing removes the fetch handler
func (h *Host) StopServing() {
	h.host.RemoveStreamHandler(protocol.ID(FetchProtocol))
}

func (h *Host) handleFetchStream(stream libp2pNetwork.Stream, handler FetchHandler, timeout time.Duration) {
	defer stream.Close()

	peerID := stream.Conn().RemotePeer()
	h.logger.Debug("Received fetch stream",
		zap.String("protocol", string(stream.Protocol())),
		zap.String("peer", peerID.String()))

	if err := stream.SetDeadline(time.Now().Add(timeout)); err != nil {
		h.logger.Error("Failed to set stream deadline", zap.Error(err))
		return
	}

	var msg message.Message
	decoder := json.NewDecoder(bufio.NewReader(io.LimitReader(stream, maxRequestBytes)))
	if err := decoder.Decode(&msg); err != nil {
		h.logger.Warn("Failed to decode fetch request", zap.Error(err))
		_ = stream.Reset()
		return
	}

	task, err := h.acceptFetch(&msg, peerID.String())
	if err != nil {
		h.logger.Warn("Rejected fetch request",
			zap.String("peer", peerID.String()),
			zap.Error(err))
		h.writeJSON(stream, message.ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := handler(ctx, task)
	if err != nil {
		h.logger.Warn("Fetch handler failed", zap.Error(err))
		h.writeJSON(stream, message.ErrorResponse{Code: 500, Message: err.Error()})
		return
	}

	h.writeJSON(stream, resp)
}

func (h *Host) acceptFetch(msg *message.Message, remote string) (data.Task, error) {
	if msg.Type != message.FetchRequestMessage {
		return data.Task{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	if msg.SenderID.String() != remote {
		return data.Task{}, fmt.Errorf("sender %s does not match stream peer", msg.SenderID)
	}
	if err := msg.VerifyFor(h.host.ID()); err != nil {
		return data.Task{}, err
	}

	var req message.FetchRequest
	if err := msg.DecodeData(&req); err != nil {
		return data.Task{}, err
	}
	if err := req.Query.Validate(); err != nil {
		return data.Task{}, err
	}
	return req.Query, nil
}

func (h *Host) writeJSON(stream libp2pNetwork.Stream, v interface{}) {
	writer := bufio.NewWriter(stream)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		h.logger.Error("Failed to encode fetch response", zap.Error(err))
		return
	}
	if err := writer.Flush(); err != nil {
		h.logger.Error("Failed to flush fetch response", zap.Error(err))
	}
}
