// Package literal is an in-memory symbol.Reference implementation backed by
// a simulated address space.  It powers the synthetic debugger backend.
package literal

import (
	"encoding/binary"
	"fmt"
	"sync"

	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/symbol"
)

const (
	baseAddress = VirtualAddress(0x10000)
	alignment   = 16
)

// Memory is a sparse simulated address space.  Allocations never overlap and
// are never freed.
type Memory struct {
	mutex sync.Mutex

	regions []region
	next    VirtualAddress
}

type region struct {
	AddressRange
	data []byte
}

func NewMemory() *Memory {
	return &Memory{
		next: baseAddress,
	}
}

func (memory *Memory) Allocate(data []byte) VirtualAddress {
	memory.mutex.Lock()
	defer memory.mutex.Unlock()

	addr := memory.next
	copied := make([]byte, len(data))
	copy(copied, data)

	memory.regions = append(
		memory.regions,
		region{
			AddressRange: NewAddressRange(addr, len(data)),
			data:         copied,
		})

	size := VirtualAddress(len(data))
	if size == 0 {
		size = 1
	}
	memory.next = (addr + size + alignment - 1) / alignment * alignment
	return addr
}

func (memory *Memory) Write(addr VirtualAddress, data []byte) (int, error) {
	memory.mutex.Lock()
	defer memory.mutex.Unlock()

	for _, r := range memory.regions {
		if r.Contains(addr) {
			return copy(r.data[addr-r.Low:], data), nil
		}
	}

	return 0, fmt.Errorf(
		"%w. no mapping at %s",
		ErrUnreadableMemory,
		addr)
}

// Read copies as many contiguous bytes as are mapped starting at addr.
func (memory *Memory) Read(addr VirtualAddress, out []byte) (int, error) {
	memory.mutex.Lock()
	defer memory.mutex.Unlock()

	total := 0
	for total < len(out) {
		found := false
		current := addr + VirtualAddress(total)
		for _, r := range memory.regions {
			if r.Contains(current) {
				total += copy(out[total:], r.data[current-r.Low:])
				found = true
				break
			}
		}

		if !found {
			break
		}
	}

	if total == 0 && len(out) > 0 {
		return 0, fmt.Errorf(
			"%w. no mapping at %s",
			ErrUnreadableMemory,
			addr)
	}

	return total, nil
}

func (memory *Memory) MappedRanges() AddressRanges {
	memory.mutex.Lock()
	defer memory.mutex.Unlock()

	result := make(AddressRanges, 0, len(memory.regions))
	for _, r := range memory.regions {
		result = append(result, r.AddressRange)
	}
	return result
}

type Member struct {
	Name string
	*Value
}

// Value is a node in a simulated debuggee value tree.
type Value struct {
	Type string

	// Rendered scalar value (for pointers, the pointer value).
	Scalar string

	// The value's own location.
	Location VirtualAddress

	// Set for pointer values.  Member / Index transparently dereference.
	Target *Value

	Members  []Member
	Elements []*Value
}

var _ symbol.Reference = &Value{}

func Int(typeName string, value int64) *Value {
	return &Value{
		Type:   typeName,
		Scalar: fmt.Sprintf("%d", value),
	}
}

func Float(typeName string, value float64) *Value {
	return &Value{
		Type:   typeName,
		Scalar: fmt.Sprintf("%g", value),
	}
}

func Pointer(typeName string, addr VirtualAddress, target *Value) *Value {
	return &Value{
		Type:   typeName,
		Scalar: fmt.Sprintf("0x%x", uint64(addr)),
		Target: target,
	}
}

func Struct(typeName string, members ...Member) *Value {
	return &Value{
		Type:    typeName,
		Scalar:  "{...}",
		Members: members,
	}
}

func Array(typeName string, elements ...*Value) *Value {
	return &Value{
		Type:     typeName,
		Scalar:   "{...}",
		Elements: elements,
	}
}

func Field(name string, value *Value) Member {
	return Member{
		Name:  name,
		Value: value,
	}
}

func (value *Value) At(addr VirtualAddress) *Value {
	value.Location = addr
	return value
}

func (value *Value) TypeName() string {
	return value.Type
}

func (value *Value) HasChildren() bool {
	if value.Target != nil {
		return value.Target.HasChildren()
	}
	return len(value.Members) > 0 || len(value.Elements) > 0
}

func (value *Value) String() (string, error) {
	return value.Scalar, nil
}

func (value *Value) Int() (int64, error) {
	return symbol.ParseInt(value.Scalar)
}

func (value *Value) Float() (float64, error) {
	return symbol.ParseFloat(value.Scalar)
}

func (value *Value) Member(name string) (symbol.Reference, error) {
	for _, member := range value.Members {
		if member.Name == name {
			return member.Value, nil
		}
	}

	if value.Target != nil {
		return value.Target.Member(name)
	}

	return nil, symbol.NewMemberLookupError(value.Type, name)
}

func (value *Value) Index(idx int) (symbol.Reference, error) {
	if 0 <= idx && idx < len(value.Elements) {
		return value.Elements[idx], nil
	}

	if idx == 0 && value.Target != nil {
		return value.Target, nil
	}

	return nil, symbol.NewIndexLookupError(value.Type, idx)
}

func (value *Value) Address() (VirtualAddress, error) {
	if value.Target != nil || symbol.IsPointerType(value.Type) {
		ptr, err := value.Int()
		if err != nil {
			return 0, err
		}
		return VirtualAddress(ptr), nil
	}

	return value.Location, nil
}

func (value *Value) Fields() ([]symbol.Field, error) {
	if value.Target != nil {
		return value.Target.Fields()
	}

	result := make([]symbol.Field, 0, len(value.Members))
	for _, member := range value.Members {
		result = append(
			result,
			symbol.Field{
				Name:      member.Name,
				Reference: member.Value,
			})
	}
	return result, nil
}

// Encodes a numeric slice into little endian bytes.
func Encode(data any) []byte {
	size := binary.Size(data)
	if size < 0 {
		panic(fmt.Sprintf("should never happen. cannot encode %T", data))
	}

	result, err := binary.Append(make([]byte, 0, size), binary.LittleEndian, data)
	if err != nil {
		panic("should never happen: " + err.Error())
	}
	return result
}
