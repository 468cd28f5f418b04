// Package mi encodes GDB/MI input commands and decodes GDB/MI output records.
package mi

import (
	"fmt"
	"strconv"
	"strings"
)

type RecordKind int

const (
	ResultRecord = RecordKind(iota)
	ExecRecord
	StatusRecord
	NotifyRecord
	ConsoleStream
	TargetStream
	LogStream
	PromptRecord
)

func (kind RecordKind) String() string {
	switch kind {
	case ResultRecord:
		return "result"
	case ExecRecord:
		return "exec"
	case StatusRecord:
		return "status"
	case NotifyRecord:
		return "notify"
	case ConsoleStream:
		return "console"
	case TargetStream:
		return "target"
	case LogStream:
		return "log"
	case PromptRecord:
		return "prompt"
	}
	return fmt.Sprintf("unknown(%d)", int(kind))
}

func (kind RecordKind) IsStream() bool {
	return kind == ConsoleStream || kind == TargetStream || kind == LogStream
}

type ValueKind int

const (
	StringValue = ValueKind(iota)
	TupleValue
	ListValue
)

// Result is a named value, i.e., `variable=value`.
type Result struct {
	Name  string
	Value *Value
}

// Value is either a c-string constant, a tuple of results, or a list.  Lists
// may hold either plain values (Items) or results (Results).
type Value struct {
	Kind ValueKind

	String string

	Results []Result
	Items   []*Value
}

func NewString(str string) *Value {
	return &Value{
		Kind:   StringValue,
		String: str,
	}
}

func NewTuple(results ...Result) *Value {
	return &Value{
		Kind:    TupleValue,
		Results: results,
	}
}

func NewList(items ...*Value) *Value {
	return &Value{
		Kind:  ListValue,
		Items: items,
	}
}

// Get returns the first result with the given name, or nil.
func (value *Value) Get(name string) *Value {
	if value == nil {
		return nil
	}

	for _, result := range value.Results {
		if result.Name == name {
			return result.Value
		}
	}
	return nil
}

// Str returns the named string field, or "" if the field is missing or not a
// string.
func (value *Value) Str(name string) string {
	field := value.Get(name)
	if field == nil || field.Kind != StringValue {
		return ""
	}
	return field.String
}

// Elements returns the list's entries as values.  Result list entries are
// returned as their values (e.g., `[frame={...},frame={...}]`).
func (value *Value) Elements() []*Value {
	if value == nil || value.Kind != ListValue {
		return nil
	}

	if len(value.Results) > 0 {
		elements := make([]*Value, 0, len(value.Results))
		for _, result := range value.Results {
			elements = append(elements, result.Value)
		}
		return elements
	}

	return value.Items
}

type Record struct {
	Kind RecordKind

	// Token is 0 when the record carried no token.
	Token uint64

	// The result class (done, running, connected, error, exit) or the async
	// class (stopped, running, thread-selected, ...).  Empty for stream
	// records.
	Class string

	// Populated for result and async records.
	Payload *Value

	// Populated for stream records.
	Text string
}

func (record *Record) Get(name string) *Value {
	return record.Payload.Get(name)
}

func (record *Record) Str(name string) string {
	return record.Payload.Str(name)
}

// ErrorMessage returns the msg field of an ^error record.
func (record *Record) ErrorMessage() string {
	if record.Kind == ResultRecord && record.Class == "error" {
		return record.Str("msg")
	}
	return ""
}

func (record *Record) String() string {
	if record.Kind.IsStream() {
		return fmt.Sprintf("%s %q", record.Kind, record.Text)
	}
	return fmt.Sprintf("%s %d %s", record.Kind, record.Token, record.Class)
}

type parser struct {
	line string
	pos  int
}

func (p *parser) eof() bool {
	return p.pos >= len(p.line)
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.line[p.pos]
}

func (p *parser) expect(char byte) error {
	if p.peek() != char {
		return fmt.Errorf(
			"malformed mi record (%q): expected %q at %d",
			p.line,
			char,
			p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) parseToken() (uint64, error) {
	start := p.pos
	for !p.eof() && '0' <= p.peek() && p.peek() <= '9' {
		p.pos++
	}

	if start == p.pos {
		return 0, nil
	}

	return strconv.ParseUint(p.line[start:p.pos], 10, 64)
}

func isIdentifierChar(char byte) bool {
	return ('a' <= char && char <= 'z') ||
		('A' <= char && char <= 'Z') ||
		('0' <= char && char <= '9') ||
		char == '-' ||
		char == '_'
}

func (p *parser) parseIdentifier() (string, error) {
	start := p.pos
	for !p.eof() && isIdentifierChar(p.peek()) {
		p.pos++
	}

	if start == p.pos {
		return "", fmt.Errorf(
			"malformed mi record (%q): expected identifier at %d",
			p.line,
			p.pos)
	}

	return p.line[start:p.pos], nil
}

func (p *parser) parseCString() (string, error) {
	err := p.expect('"')
	if err != nil {
		return "", err
	}

	builder := strings.Builder{}
	for {
		if p.eof() {
			return "", fmt.Errorf("malformed mi record (%q): unterminated string", p.line)
		}

		char := p.line[p.pos]
		p.pos++

		switch char {
		case '"':
			return builder.String(), nil
		case '\\':
			if p.eof() {
				return "", fmt.Errorf(
					"malformed mi record (%q): unterminated escape",
					p.line)
			}

			escaped := p.line[p.pos]
			p.pos++

			switch escaped {
			case 'n':
				builder.WriteByte('\n')
			case 't':
				builder.WriteByte('\t')
			case 'r':
				builder.WriteByte('\r')
			case 'e':
				builder.WriteByte(0x1b)
			case 'a':
				builder.WriteByte('\a')
			case 'b':
				builder.WriteByte('\b')
			case 'f':
				builder.WriteByte('\f')
			case 'v':
				builder.WriteByte('\v')
			case '0', '1', '2', '3', '4', '5', '6', '7':
				octal := uint64(escaped - '0')
				for i := 0; i < 2 && !p.eof(); i++ {
					next := p.peek()
					if next < '0' || '7' < next {
						break
					}
					octal = octal*8 + uint64(next-'0')
					p.pos++
				}
				builder.WriteByte(byte(octal))
			default:
				builder.WriteByte(escaped)
			}
		default:
			builder.WriteByte(char)
		}
	}
}

func (p *parser) parseResult() (Result, error) {
	name, err := p.parseIdentifier()
	if err != nil {
		return Result{}, err
	}

	err = p.expect('=')
	if err != nil {
		return Result{}, err
	}

	value, err := p.parseValue()
	if err != nil {
		return Result{}, err
	}

	return Result{
		Name:  name,
		Value: value,
	}, nil
}

func (p *parser) parseValue() (*Value, error) {
	switch p.peek() {
	case '"':
		str, err := p.parseCString()
		if err != nil {
			return nil, err
		}
		return NewString(str), nil
	case '{':
		p.pos++
		tuple := NewTuple()
		if p.peek() == '}' {
			p.pos++
			return tuple, nil
		}

		for {
			result, err := p.parseResult()
			if err != nil {
				return nil, err
			}
			tuple.Results = append(tuple.Results, result)

			if p.peek() == ',' {
				p.pos++
				continue
			}

			err = p.expect('}')
			if err != nil {
				return nil, err
			}
			return tuple, nil
		}
	case '[':
		p.pos++
		list := NewList()
		if p.peek() == ']' {
			p.pos++
			return list, nil
		}

		for {
			char := p.peek()
			if char == '"' || char == '{' || char == '[' {
				item, err := p.parseValue()
				if err != nil {
					return nil, err
				}
				list.Items = append(list.Items, item)
			} else {
				result, err := p.parseResult()
				if err != nil {
					return nil, err
				}
				list.Results = append(list.Results, result)
			}

			if p.peek() == ',' {
				p.pos++
				continue
			}

			err := p.expect(']')
			if err != nil {
				return nil, err
			}
			return list, nil
		}
	}

	return nil, fmt.Errorf(
		"malformed mi record (%q): unexpected %q at %d",
		p.line,
		p.peek(),
		p.pos)
}

// ParseRecord decodes a single output line (without the trailing newline).
func ParseRecord(line string) (*Record, error) {
	line = strings.TrimRight(line, "\r\n")

	if strings.TrimSpace(line) == "(gdb)" {
		return &Record{Kind: PromptRecord}, nil
	}

	p := &parser{line: line}

	token, err := p.parseToken()
	if err != nil {
		return nil, fmt.Errorf("malformed mi record (%q): %w", line, err)
	}

	record := &Record{Token: token}

	prefix := p.peek()
	p.pos++

	switch prefix {
	case '~', '@', '&':
		switch prefix {
		case '~':
			record.Kind = ConsoleStream
		case '@':
			record.Kind = TargetStream
		default:
			record.Kind = LogStream
		}

		record.Text, err = p.parseCString()
		if err != nil {
			return nil, err
		}
		return record, nil
	case '^':
		record.Kind = ResultRecord
	case '*':
		record.Kind = ExecRecord
	case '+':
		record.Kind = StatusRecord
	case '=':
		record.Kind = NotifyRecord
	default:
		return nil, fmt.Errorf("malformed mi record (%q): unknown record type", line)
	}

	record.Class, err = p.parseIdentifier()
	if err != nil {
		return nil, err
	}

	record.Payload = NewTuple()
	for p.peek() == ',' {
		p.pos++
		result, err := p.parseResult()
		if err != nil {
			return nil, err
		}
		record.Payload.Results = append(record.Payload.Results, result)
	}

	if !p.eof() {
		return nil, fmt.Errorf(
			"malformed mi record (%q): trailing data at %d",
			line,
			p.pos)
	}

	return record, nil
}

// Quote returns str as an mi c-string.
func Quote(str string) string {
	builder := strings.Builder{}
	builder.WriteByte('"')
	for i := 0; i < len(str); i++ {
		char := str[i]
		switch char {
		case '"':
			builder.WriteString(`\"`)
		case '\\':
			builder.WriteString(`\\`)
		case '\n':
			builder.WriteString(`\n`)
		case '\t':
			builder.WriteString(`\t`)
		case '\r':
			builder.WriteString(`\r`)
		default:
			if char < 0x20 || char >= 0x7f {
				builder.WriteString(fmt.Sprintf(`\%03o`, char))
			} else {
				builder.WriteByte(char)
			}
		}
	}
	builder.WriteByte('"')
	return builder.String()
}

func needsQuoting(arg string) bool {
	if arg == "" {
		return true
	}

	for i := 0; i < len(arg); i++ {
		char := arg[i]
		if char <= ' ' || char == '"' || char == '\\' || char >= 0x7f {
			return true
		}
	}
	return false
}

// Command is an mi input command, e.g., `12-var-create - * "img"`.
type Command struct {
	Token     uint64
	Operation string // without the leading '-'

	Options    []string
	Parameters []string
}

func NewCommand(operation string, args ...string) Command {
	return Command{
		Operation:  operation,
		Parameters: args,
	}
}

func (cmd Command) Encode() string {
	builder := strings.Builder{}
	if cmd.Token != 0 {
		builder.WriteString(strconv.FormatUint(cmd.Token, 10))
	}
	builder.WriteByte('-')
	builder.WriteString(cmd.Operation)

	write := func(arg string) {
		builder.WriteByte(' ')
		if needsQuoting(arg) {
			builder.WriteString(Quote(arg))
		} else {
			builder.WriteString(arg)
		}
	}

	for _, option := range cmd.Options {
		write(option)
	}

	if len(cmd.Options) > 0 && len(cmd.Parameters) > 0 &&
		strings.HasPrefix(cmd.Parameters[0], "-") {
		builder.WriteString(" --")
	}

	for _, param := range cmd.Parameters {
		write(param)
	}

	builder.WriteByte('\n')
	return builder.String()
}
