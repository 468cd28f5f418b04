package symbol

import (
	"errors"
	"fmt"

	. "github.com/pattyshack/imagewatch/common"
)

var ErrLookup = errors.New("lookup failed")

type LookupError struct {
	Parent string // type name of the value being indexed
	Key    string
}

func NewMemberLookupError(parent string, member string) *LookupError {
	return &LookupError{
		Parent: parent,
		Key:    member,
	}
}

func NewIndexLookupError(parent string, index int) *LookupError {
	return &LookupError{
		Parent: parent,
		Key:    fmt.Sprintf("[%d]", index),
	}
}

func (err *LookupError) Error() string {
	return fmt.Sprintf("%s: %s has no %s", ErrLookup, err.Parent, err.Key)
}

func (err *LookupError) Unwrap() error {
	return ErrLookup
}

type Field struct {
	Name string
	Reference
}

// Reference is a debugger-neutral handle onto a value in the debuggee.
// Inspectors only ever see References; backend value types never escape
// their packages.
type Reference interface {
	// Static type name as reported by the debugger.
	TypeName() string

	HasChildren() bool

	String() (string, error)
	Int() (int64, error)
	Float() (float64, error)

	// Member and Index uniformly cover plain fields, pointer dereference and
	// raw data.  Failures wrap ErrLookup.
	Member(name string) (Reference, error)
	Index(idx int) (Reference, error)

	// For pointer types, returns the pointer's value.  Otherwise, returns the
	// value's own address.
	Address() (VirtualAddress, error)

	// Ordered named children.  Base classes and access specifier groups are
	// flattened into the parent.
	Fields() ([]Field, error)
}

// Walks a chain of member names starting from ref.
func MemberPath(ref Reference, names ...string) (Reference, error) {
	current := ref
	for _, name := range names {
		next, err := current.Member(name)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func IntMember(ref Reference, names ...string) (int64, error) {
	member, err := MemberPath(ref, names...)
	if err != nil {
		return 0, err
	}
	return member.Int()
}

func AddressMember(ref Reference, names ...string) (VirtualAddress, error) {
	member, err := MemberPath(ref, names...)
	if err != nil {
		return 0, err
	}
	return member.Address()
}
