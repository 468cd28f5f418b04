package gdb

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pattyshack/imagewatch/bridge/gdb/mi"
	. "github.com/pattyshack/imagewatch/common"
)

const DefaultCommandTimeout = 30 * time.Second

// Response is a command's result record plus the console / log stream text
// gdb emitted while the command ran.
type Response struct {
	*mi.Record

	Output []string
}

func (resp *Response) Text() string {
	return strings.Join(resp.Output, "")
}

// Conn is a gdb/mi connection.  Commands are token-correlated and issued one
// at a time.  Async records are passed to the async handler on the reader
// goroutine, which must not block.
type Conn struct {
	writer  io.Writer
	timeout time.Duration
	logger  zerolog.Logger

	onAsync func(*mi.Record)

	callMutex sync.Mutex

	mutex     sync.Mutex
	nextToken uint64
	pending   map[uint64]chan *Response
	output    []string
	closed    bool
	readErr   error

	done chan struct{}
}

func NewConn(
	reader io.Reader,
	writer io.Writer,
	onAsync func(*mi.Record),
	logger zerolog.Logger,
) *Conn {
	conn := &Conn{
		writer:  writer,
		timeout: DefaultCommandTimeout,
		logger:  logger,
		onAsync: onAsync,
		pending: map[uint64]chan *Response{},
		done:    make(chan struct{}),
	}

	go conn.readRecords(reader)
	return conn
}

func (conn *Conn) SetTimeout(timeout time.Duration) {
	conn.timeout = timeout
}

// Done is closed once gdb's output stream ends.
func (conn *Conn) Done() <-chan struct{} {
	return conn.done
}

func (conn *Conn) readRecords(reader io.Reader) {
	defer func() {
		conn.mutex.Lock()
		conn.closed = true
		conn.mutex.Unlock()

		close(conn.done)
	}()

	bufReader := bufio.NewReader(reader)
	for {
		line, err := bufReader.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			conn.processLine(line)
		}

		if err != nil {
			if err != io.EOF {
				conn.mutex.Lock()
				conn.readErr = err
				conn.mutex.Unlock()
			}
			return
		}
	}
}

func (conn *Conn) processLine(line string) {
	record, err := mi.ParseRecord(line)
	if err != nil {
		conn.logger.Warn().Err(err).Msg("dropping mi record")
		return
	}

	switch record.Kind {
	case mi.PromptRecord:
	case mi.ConsoleStream, mi.LogStream:
		conn.mutex.Lock()
		conn.output = append(conn.output, record.Text)
		conn.mutex.Unlock()
	case mi.TargetStream:
		conn.logger.Debug().Str("text", record.Text).Msg("target output")
	case mi.ResultRecord:
		conn.mutex.Lock()
		respChan, ok := conn.pending[record.Token]
		delete(conn.pending, record.Token)
		resp := &Response{
			Record: record,
			Output: conn.output,
		}
		conn.output = nil
		conn.mutex.Unlock()

		if !ok {
			conn.logger.Debug().
				Uint64("token", record.Token).
				Str("class", record.Class).
				Msg("dropping uncorrelated result record")
			return
		}
		respChan <- resp
	default:
		if conn.onAsync != nil {
			conn.onAsync(record)
		}
	}
}

func (conn *Conn) closedError() error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	if conn.readErr != nil {
		return fmt.Errorf(
			"%w. gdb connection closed: %w",
			ErrBackendUnavailable,
			conn.readErr)
	}
	return fmt.Errorf("%w. gdb connection closed", ErrBackendUnavailable)
}

// Send issues the command and waits for its result record.  An ^error result
// is returned as an error (along with the response).
func (conn *Conn) Send(cmd mi.Command) (*Response, error) {
	conn.callMutex.Lock()
	defer conn.callMutex.Unlock()

	respChan := make(chan *Response, 1)

	conn.mutex.Lock()
	if conn.closed {
		conn.mutex.Unlock()
		return nil, conn.closedError()
	}

	conn.nextToken++
	cmd.Token = conn.nextToken
	conn.pending[cmd.Token] = respChan
	conn.output = nil
	conn.mutex.Unlock()

	abandon := func() {
		conn.mutex.Lock()
		delete(conn.pending, cmd.Token)
		conn.mutex.Unlock()
	}

	_, err := io.WriteString(conn.writer, cmd.Encode())
	if err != nil {
		abandon()
		return nil, fmt.Errorf("failed to send -%s: %w", cmd.Operation, err)
	}

	timer := time.NewTimer(conn.timeout)
	defer timer.Stop()

	var resp *Response
	select {
	case resp = <-respChan:
	case <-conn.done:
		select {
		case resp = <-respChan:
		default:
			abandon()
			return nil, conn.closedError()
		}
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("-%s timed out after %s", cmd.Operation, conn.timeout)
	}

	if resp.Class == "error" {
		return resp, fmt.Errorf("-%s failed: %s", cmd.Operation, resp.ErrorMessage())
	}

	return resp, nil
}
