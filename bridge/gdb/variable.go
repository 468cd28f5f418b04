package gdb

import (
	"strconv"

	"github.com/pattyshack/imagewatch/bridge/gdb/mi"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/symbol"
)

// variable is a symbol.Reference backed by a gdb variable object.  Root
// variables are created lazily since most scope entries are never
// inspected beyond their type name.
type variable struct {
	bridge *Bridge

	expression string // root expression, or the child's display expression
	name       string // variable object name; empty until created
	typeName   string
	value      string
	numChild   int

	children []*variable
}

var _ symbol.Reference = &variable{}

func newRootVariable(bridge *Bridge, expression string, typeName string) *variable {
	return &variable{
		bridge:     bridge,
		expression: expression,
		typeName:   typeName,
		numChild:   -1,
	}
}

func newChildVariable(bridge *Bridge, child *mi.Value) *variable {
	numChild, err := strconv.Atoi(child.Str("numchild"))
	if err != nil {
		numChild = 0
	}

	return &variable{
		bridge:     bridge,
		expression: child.Str("exp"),
		name:       child.Str("name"),
		typeName:   child.Str("type"),
		value:      child.Str("value"),
		numChild:   numChild,
	}
}

func (v *variable) ensure() error {
	if v.name != "" {
		return nil
	}

	resp, err := v.bridge.send(mi.NewCommand("var-create", "-", "*", v.expression))
	if err != nil {
		return err
	}

	v.name = resp.Str("name")
	v.bridge.trackVariable(v.name)

	if v.typeName == "" {
		v.typeName = resp.Str("type")
	}
	v.value = resp.Str("value")

	v.numChild, err = strconv.Atoi(resp.Str("numchild"))
	if err != nil {
		v.numChild = 0
	}

	return nil
}

func (v *variable) TypeName() string {
	if v.typeName == "" {
		_ = v.ensure()
	}
	return v.typeName
}

func (v *variable) HasChildren() bool {
	err := v.ensure()
	if err != nil {
		return false
	}
	return v.numChild > 0
}

func (v *variable) String() (string, error) {
	err := v.ensure()
	if err != nil {
		return "", err
	}
	return v.value, nil
}

func (v *variable) Int() (int64, error) {
	str, err := v.String()
	if err != nil {
		return 0, err
	}
	return symbol.ParseInt(str)
}

func (v *variable) Float() (float64, error) {
	str, err := v.String()
	if err != nil {
		return 0, err
	}
	return symbol.ParseFloat(str)
}

// Returns the children with access specifier groups (which have no type) and
// base class sub-objects (whose expression is the base type name) flattened
// into this variable.
func (v *variable) listChildren() ([]*variable, error) {
	if v.children != nil {
		return v.children, nil
	}

	err := v.ensure()
	if err != nil {
		return nil, err
	}

	children := []*variable{}
	if v.numChild > 0 {
		children, err = v.bridge.listChildren(v.name, 0)
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
		if child.expression == name {
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

	expected := strconv.Itoa(idx)
	for _, child := range children {
		if child.expression == expected {
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
	err := v.ensure()
	if err != nil {
		return 0, err
	}

	if symbol.IsPointerType(v.typeName) || symbol.IsReferenceType(v.typeName) {
		addr, err := symbol.ParseInt(v.value)
		if err != nil {
			return 0, err
		}
		return VirtualAddress(addr), nil
	}

	resp, err := v.bridge.send(
		mi.NewCommand("var-info-path-expression", v.name))
	if err != nil {
		return 0, err
	}

	resp, err = v.bridge.send(
		mi.NewCommand(
			"data-evaluate-expression",
			"&("+resp.Str("path_expr")+")"))
	if err != nil {
		return 0, err
	}

	addr, err := symbol.ParseInt(resp.Str("value"))
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
				Name:      child.expression,
				Reference: child,
			})
	}
	return fields, nil
}
