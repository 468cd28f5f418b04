package symbol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ianlancetaylor/demangle"

	. "github.com/pattyshack/imagewatch/common"
)

// Extracts the leading numeric token from a debugger rendered value, e.g.,
// `0x7fffffffe000 "abc"`, `97 'a'`, `(int *) 0x1000`, `@0x1000: {...}`,
// `true`.
func ParseInt(value string) (int64, error) {
	token := leadingToken(value)

	switch token {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	case "":
		return 0, fmt.Errorf("%w. empty integer value", ErrInvalidArgument)
	}

	signed, err := strconv.ParseInt(token, 0, 64)
	if err == nil {
		return signed, nil
	}

	// Large unsigned values (e.g., kernel space pointers) are reinterpreted.
	unsigned, uerr := strconv.ParseUint(token, 0, 64)
	if uerr == nil {
		return int64(unsigned), nil
	}

	return 0, fmt.Errorf("failed to parse integer value %q: %w", value, err)
}

func ParseFloat(value string) (float64, error) {
	token := leadingToken(value)
	if token == "" {
		return 0, fmt.Errorf("%w. empty floating point value", ErrInvalidArgument)
	}

	result, err := strconv.ParseFloat(token, 64)
	if err != nil {
		i, ierr := ParseInt(value)
		if ierr == nil {
			return float64(i), nil
		}
		return 0, fmt.Errorf(
			"failed to parse floating point value %q: %w",
			value,
			err)
	}
	return result, nil
}

func leadingToken(value string) string {
	value = strings.TrimSpace(value)

	// strip pointer type annotation
	if strings.HasPrefix(value, "(") {
		end := strings.Index(value, ")")
		if end > 0 {
			value = strings.TrimSpace(value[end+1:])
		}
	}

	// strip reference marker
	value = strings.TrimPrefix(value, "@")

	end := strings.IndexAny(value, " \t:,")
	if end >= 0 {
		value = value[:end]
	}
	return value
}

// Canonicalizes a debugger reported type name.  Mangled names are demangled,
// redundant whitespace is collapsed, and elaborated type specifiers are
// dropped.
func NormalizeTypeName(name string) string {
	name = strings.TrimSpace(name)

	if strings.HasPrefix(name, "_Z") {
		demangled, err := demangle.ToString(name, demangle.NoParams)
		if err == nil {
			name = demangled
		}
	}

	name = strings.Join(strings.Fields(name), " ")

	for _, prefix := range []string{"class ", "struct "} {
		name = strings.TrimPrefix(name, prefix)
		name = strings.ReplaceAll(name, "const "+prefix, "const ")
	}

	return name
}

func trimQualifiers(name string) string {
	name = strings.TrimSpace(name)
	for {
		trimmed := strings.TrimSpace(
			strings.TrimSuffix(
				strings.TrimSuffix(name, "const"),
				"volatile"))
		if trimmed == name {
			return name
		}
		name = trimmed
	}
}

func IsPointerType(name string) bool {
	return strings.HasSuffix(trimQualifiers(NormalizeTypeName(name)), "*")
}

func IsReferenceType(name string) bool {
	return strings.HasSuffix(trimQualifiers(NormalizeTypeName(name)), "&")
}

func IsArrayType(name string) bool {
	return strings.HasSuffix(trimQualifiers(NormalizeTypeName(name)), "]")
}

// Strips cv-qualifiers, pointers and references, e.g., `const cv::Mat *` =>
// `cv::Mat`.
func BaseTypeName(name string) string {
	name = NormalizeTypeName(name)
	for {
		trimmed := trimQualifiers(name)
		trimmed = strings.TrimSpace(strings.TrimRight(trimmed, "*&"))
		trimmed = strings.TrimPrefix(trimmed, "const ")
		trimmed = strings.TrimPrefix(trimmed, "volatile ")
		if trimmed == name {
			return name
		}
		name = trimmed
	}
}

func SplitPath(path string) []string {
	return strings.Split(path, ".")
}

func JoinPath(parent string, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

// Resolves a dotted member path, e.g., `this.member.submember`.  The root
// component is resolved with lookup, the remainder by walking members.
func Resolve(
	lookup func(string) (Reference, error),
	path string,
) (
	Reference,
	error,
) {
	names := SplitPath(path)
	if names[0] == "" {
		return nil, fmt.Errorf("%w. empty symbol path", ErrInvalidArgument)
	}

	root, err := lookup(names[0])
	if err != nil {
		return nil, err
	}

	return MemberPath(root, names[1:]...)
}
