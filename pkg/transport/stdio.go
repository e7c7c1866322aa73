package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/apibridge/apibridge/pkg/logger"
	"github.com/apibridge/apibridge/pkg/upstream"
)

// StdioServer speaks line-delimited JSON-RPC on a reader/writer pair. Every
// call shares the single global upstream client, so all requests run under
// one identity.
type StdioServer struct {
	dispatcher *Dispatcher
	client     *upstream.Client

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
}

// NewStdioServer wires the transport. in and out are normally os.Stdin and
// os.Stdout.
func NewStdioServer(dispatcher *Dispatcher, upstreamClient *upstream.Client, in io.Reader, out io.Writer) *StdioServer {
	return &StdioServer{
		dispatcher: dispatcher,
		client:     upstreamClient,
		in:         in,
		out:        out,
	}
}

// Serve reads messages until EOF or context cancellation. Malformed lines
// produce a parse error response and the loop continues.
func (s *StdioServer) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBody)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		messages, batch, err := DecodeMessages(line)
		if err != nil {
			s.write(NewErrorMessage(nil, -32700, err.Error()))
			continue
		}

		var responses []*JSONRPCMessage
		for _, msg := range messages {
			if err := msg.Validate(); err != nil {
				responses = append(responses, NewErrorMessage(msg.ID, -32600, err.Error()))
				continue
			}
			if resp := s.dispatcher.Dispatch(ctx, msg, s.client); resp != nil {
				responses = append(responses, resp)
			}
		}

		if len(responses) == 0 {
			continue
		}
		if batch {
			s.write(responses)
		} else {
			s.write(responses[0])
		}
	}
	return scanner.Err()
}

func (s *StdioServer) write(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorw("failed to serialize stdio response", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		logger.Errorw("failed to write stdio response", "error", err)
	}
}
