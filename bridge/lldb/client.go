package lldb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/rs/zerolog"

	. "github.com/pattyshack/imagewatch/common"
)

const DefaultRequestTimeout = 30 * time.Second

type result struct {
	response dap.ResponseMessage
	err      error
}

// Pending is an in-flight request.
type Pending struct {
	client  *Client
	command string
	seq     int
	resp    chan result
}

// Client is a debug adapter protocol client.  Responses are correlated to
// requests by sequence number.  Events are passed to the event handler on
// the reader goroutine, which must not block.
type Client struct {
	writer  io.Writer
	timeout time.Duration
	logger  zerolog.Logger

	onEvent func(dap.EventMessage)

	writeMutex sync.Mutex

	mutex   sync.Mutex
	seq     int
	pending map[int]chan result
	closed  bool
	readErr error

	done chan struct{}
}

func NewClient(
	reader io.Reader,
	writer io.Writer,
	onEvent func(dap.EventMessage),
	logger zerolog.Logger,
) *Client {
	client := &Client{
		writer:  writer,
		timeout: DefaultRequestTimeout,
		logger:  logger,
		onEvent: onEvent,
		pending: map[int]chan result{},
		done:    make(chan struct{}),
	}

	go client.readMessages(reader)
	return client
}

func (client *Client) SetTimeout(timeout time.Duration) {
	client.timeout = timeout
}

func (client *Client) Done() <-chan struct{} {
	return client.done
}

func (client *Client) readMessages(reader io.Reader) {
	defer func() {
		client.mutex.Lock()
		client.closed = true
		client.mutex.Unlock()

		close(client.done)
	}()

	bufReader := bufio.NewReader(reader)
	for {
		msg, err := dap.ReadProtocolMessage(bufReader)
		if err != nil {
			fieldErr := &dap.DecodeProtocolMessageFieldError{}
			if errors.As(err, &fieldErr) {
				// e.g., adapter specific events.  The message body was fully
				// consumed.
				client.logger.Debug().Err(err).Msg("dropping unknown dap message")
				continue
			}

			if err != io.EOF {
				client.mutex.Lock()
				client.readErr = err
				client.mutex.Unlock()
			}
			return
		}

		client.processMessage(msg)
	}
}

func (client *Client) processMessage(msg dap.Message) {
	switch typed := msg.(type) {
	case dap.ResponseMessage:
		seq := typed.GetResponse().RequestSeq

		client.mutex.Lock()
		respChan, ok := client.pending[seq]
		delete(client.pending, seq)
		client.mutex.Unlock()

		if !ok {
			client.logger.Debug().
				Int("request_seq", seq).
				Str("command", typed.GetResponse().Command).
				Msg("dropping uncorrelated response")
			return
		}
		respChan <- result{response: typed}
	case dap.EventMessage:
		if client.onEvent != nil {
			client.onEvent(typed)
		}
	default:
		// reverse requests (e.g., runInTerminal) are not supported
		client.logger.Debug().
			Str("type", fmt.Sprintf("%T", msg)).
			Msg("ignoring dap message")
	}
}

func (client *Client) closedError() error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	if client.readErr != nil {
		return fmt.Errorf(
			"%w. debug adapter connection closed: %w",
			ErrBackendUnavailable,
			client.readErr)
	}
	return fmt.Errorf("%w. debug adapter connection closed", ErrBackendUnavailable)
}

// Start sends the request without waiting for its response.
func (client *Client) Start(request dap.RequestMessage) (*Pending, error) {
	req := request.GetRequest()
	respChan := make(chan result, 1)

	client.mutex.Lock()
	if client.closed {
		client.mutex.Unlock()
		return nil, client.closedError()
	}

	client.seq++
	req.Seq = client.seq
	req.Type = "request"
	client.pending[req.Seq] = respChan
	client.mutex.Unlock()

	client.writeMutex.Lock()
	err := dap.WriteProtocolMessage(client.writer, request)
	client.writeMutex.Unlock()

	if err != nil {
		client.abandon(req.Seq)
		return nil, fmt.Errorf("failed to send %s request: %w", req.Command, err)
	}

	return &Pending{
		client:  client,
		command: req.Command,
		seq:     req.Seq,
		resp:    respChan,
	}, nil
}

func (client *Client) abandon(seq int) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	delete(client.pending, seq)
}

// Wait returns the request's response.  Unsuccessful responses are returned
// as errors.
func (pending *Pending) Wait() (dap.ResponseMessage, error) {
	client := pending.client

	timer := time.NewTimer(client.timeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-pending.resp:
	case <-client.done:
		select {
		case res = <-pending.resp:
		default:
			client.abandon(pending.seq)
			return nil, client.closedError()
		}
	case <-timer.C:
		client.abandon(pending.seq)
		return nil, fmt.Errorf(
			"%s request timed out after %s",
			pending.command,
			client.timeout)
	}

	resp := res.response.GetResponse()
	if !resp.Success {
		message := resp.Message
		errResp, ok := res.response.(*dap.ErrorResponse)
		if ok && errResp.Body.Error != nil && errResp.Body.Error.Format != "" {
			message = errResp.Body.Error.Format
		}
		return res.response, fmt.Errorf("%s request failed: %s", pending.command, message)
	}

	return res.response, nil
}

func (client *Client) Send(request dap.RequestMessage) (dap.ResponseMessage, error) {
	pending, err := client.Start(request)
	if err != nil {
		return nil, err
	}
	return pending.Wait()
}

// call sends the request and type asserts the response.
func call[T dap.ResponseMessage](
	client *Client,
	request dap.RequestMessage,
) (
	T,
	error,
) {
	var zero T

	resp, err := client.Send(request)
	if err != nil {
		return zero, err
	}

	typed, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf(
			"unexpected %T response to %s request",
			resp,
			request.GetRequest().Command)
	}
	return typed, nil
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{
			Type: "request",
		},
		Command: command,
	}
}
