package lldb

import (
	"strconv"

	"github.com/google/go-dap"

	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/symbol"
)

// variable is a symbol.Reference backed by a dap variable (or evaluate
// result).  Children are fetched on demand through the variables reference.
type variable struct {
	bridge *Bridge

	name            string
	evaluateName    string
	typeName        string
	value           string
	memoryReference string

	// 0 means no children.
	reference int

	children []*variable
}

var _ symbol.Reference = &variable{}

func newVariable(bridge *Bridge, v dap.Variable) *variable {
	return &variable{
		bridge:          bridge,
		name:            v.Name,
		evaluateName:    v.EvaluateName,
		typeName:        v.Type,
		value:           v.Value,
		memoryReference: v.MemoryReference,
		reference:       v.VariablesReference,
	}
}

func (v *variable) TypeName() string {
	return v.typeName
}

func (v *variable) HasChildren() bool {
	return v.reference > 0
}

func (v *variable) String() (string, error) {
	return v.value, nil
}

func (v *variable) Int() (int64, error) {
	return symbol.ParseInt(v.value)
}

func (v *variable) Float() (float64, error) {
	return symbol.ParseFloat(v.value)
}

// Base class sub-objects (named after their type) are flattened into this
// variable.
func (v *variable) listChildren() ([]*variable, error) {
	if v.children != nil {
		return v.children, nil
	}

	children := []*variable{}
	if v.reference > 0 {
		var err error
		children, err = v.bridge.listVariables(v.reference, 0)
		if err != nil {
			return nil, err
		}
	}

	v.children = children
	return children, nil
}

func (v *variable) Member(name string) (symbol.Reference, error) {
	children, err := v.listChildren()
	if err != nil {
		return nil, err
	}

	for _, child := range children {
		if child.name == name {
			return child, nil
		}
	}

	return nil, symbol.NewMemberLookupError(v.typeName, name)
}

func (v *variable) Index(idx int) (symbol.Reference, error) {
	children, err := v.listChildren()
	if err != nil {
		return nil, err
	}

	bracketed := "[" + strconv.Itoa(idx) + "]"
	plain := strconv.Itoa(idx)
	for _, child := range children {
		if child.name == bracketed || child.name == plain {
			return child, nil
		}
	}

	// pointer to scalar has a single `*ptr` child
	if idx == 0 && len(children) == 1 {
		return children[0], nil
	}

	return nil, symbol.NewIndexLookupError(v.typeName, idx)
}

func (v *variable) Address() (VirtualAddress, error) {
	if symbol.IsPointerType(v.typeName) {
		addr, err := symbol.ParseInt(v.value)
		if err != nil {
			return 0, err
		}
		return VirtualAddress(addr), nil
	}

	if v.memoryReference != "" {
		addr, err := strconv.ParseUint(v.memoryReference, 0, 64)
		if err == nil {
			return VirtualAddress(addr), nil
		}
	}

	expression := v.evaluateName
	if expression == "" {
		expression = v.name
	}

	addressOf, err := v.bridge.evaluate("&("+expression+")", "watch")
	if err != nil {
		return 0, err
	}

	addr, err := symbol.ParseInt(addressOf.value)
	if err != nil {
		return 0, err
	}
	return VirtualAddress(addr), nil
}

func (v *variable) Fields() ([]symbol.Field, error) {
	children, err := v.listChildren()
	if err != nil {
		return nil, err
	}

	fields := make([]symbol.Field, 0, len(children))
	for _, child := range children {
		fields = append(
			fields,
			symbol.Field{
				Name:      child.name,
				Reference: child,
			})
	}
	return fields, nil
}
