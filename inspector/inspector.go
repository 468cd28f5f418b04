package inspector

import (
	"fmt"

	"github.com/pattyshack/imagewatch/buffer"
	. "github.com/pattyshack/imagewatch/common"
	"github.com/pattyshack/imagewatch/symbol"
)

// Inspector recognizes and describes one family of buffer-bearing types.
type Inspector interface {
	Name() string

	// Evaluated against the debugger reported static type name.
	IsObservable(ref symbol.Reference, name string) bool

	// Returns a freshly constructed descriptor.  The descriptor's
	// VariableName is left for the caller to fill in.
	Describe(name string, ref symbol.Reference) (*buffer.Descriptor, error)
}

// Registry consults inspectors in registration order.  The first match wins;
// there is no fallback to later inspectors when the match fails to describe
// the symbol.
type Registry struct {
	inspectors []Inspector
}

func NewRegistry(inspectors ...Inspector) *Registry {
	return &Registry{
		inspectors: inspectors,
	}
}

func NewDefaultRegistry() *Registry {
	return NewRegistry(
		OpenCVMat{},
		OpenCVCvMat{},
		Eigen{})
}

func (registry *Registry) Inspectors() []Inspector {
	return registry.inspectors
}

func (registry *Registry) Find(ref symbol.Reference, name string) Inspector {
	for _, inspector := range registry.inspectors {
		if inspector.IsObservable(ref, name) {
			return inspector
		}
	}
	return nil
}

func (registry *Registry) IsObservable(ref symbol.Reference, name string) bool {
	return registry.Find(ref, name) != nil
}

func (registry *Registry) Describe(
	name string,
	ref symbol.Reference,
) (
	*buffer.Descriptor,
	error,
) {
	inspector := registry.Find(ref, name)
	if inspector == nil {
		return nil, fmt.Errorf(
			"%w. %s (%s) is not observable",
			ErrUnsupportedType,
			name,
			ref.TypeName())
	}

	desc, err := inspector.Describe(name, ref)
	if err != nil {
		return nil, fmt.Errorf(
			"%s failed to describe %s: %w",
			inspector.Name(),
			name,
			err)
	}

	return desc, nil
}

func displayName(name string, ref symbol.Reference) string {
	return fmt.Sprintf("%s (%s)", name, symbol.NormalizeTypeName(ref.TypeName()))
}
