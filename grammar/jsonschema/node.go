package jsonschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
)

var (
	ErrUnsupportedSchema = errors.New("unsupported schema")

	// ErrInvalidSchema marks a document that is not a well formed schema,
	// such as a keyword holding a value of the wrong type.
	ErrInvalidSchema = errors.New("invalid schema")
)

// UnsupportedError names a schema construct outside the supported subset and
// where it appears.
type UnsupportedError struct {
	Construct string
	Path      string
}

func (e *UnsupportedError) Error() string {
	path := e.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s: %s at %s", ErrUnsupportedSchema, e.Construct, path)
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupportedSchema
}

type Kind int

const (
	Object Kind = iota
	Array
	String
	Integer
	Number
	Boolean
	Enum
	Null
)

var kindNames = [...]string{"object", "array", "string", "integer", "number", "boolean", "enum", "null"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Node is one value position of a schema. Only the fields for its Kind are
// set.
type Node struct {
	Kind Kind

	// Object
	Properties []Property

	// Array. MaxItems is -1 when unbounded.
	Items    *Node
	MinItems int
	MaxItems int

	// Integer and Number, inclusive. Nil is unbounded.
	Minimum *big.Rat
	Maximum *big.Rat

	// Enum literals in compact JSON form.
	Literals [][]byte
}

type Property struct {
	Name     string
	Required bool
	Node     *Node
}

// Bounded reports whether a numeric node has a minimum or maximum.
func (n *Node) Bounded() bool {
	return n.Minimum != nil || n.Maximum != nil
}

// Ordered returns the properties in emission order: required properties in
// declared order followed by optional ones in declared order.
func (n *Node) Ordered() []Property {
	props := slices.Clone(n.Properties)
	slices.SortStableFunc(props, func(a, b Property) int {
		switch {
		case a.Required == b.Required:
			return 0
		case a.Required:
			return -1
		default:
			return 1
		}
	})
	return props
}

// Parse decodes a JSON schema document into a Node tree.
func Parse(data []byte) (*Node, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	return s.Node()
}

// Node converts s, reporting the first unsupported construct.
func (s *Schema) Node() (*Node, error) {
	return fromSchema(s, "")
}

func unsupported(path, format string, args ...any) error {
	return &UnsupportedError{Construct: fmt.Sprintf(format, args...), Path: path}
}

func fromSchema(s *Schema, path string) (*Node, error) {
	switch {
	case s.Ref != "":
		return nil, unsupported(path, "$ref")
	case len(s.AnyOf) > 0:
		return nil, unsupported(path, "anyOf")
	case len(s.OneOf) > 0:
		return nil, unsupported(path, "oneOf")
	case len(s.AllOf) > 0:
		return nil, unsupported(path, "allOf")
	case s.Not != nil:
		return nil, unsupported(path, "not")
	case s.Pattern != "":
		return nil, unsupported(path, "pattern")
	case s.MinLength != nil || s.MaxLength != nil:
		return nil, unsupported(path, "string length bounds")
	case s.ExclusiveMinimum != nil || s.ExclusiveMaximum != nil:
		return nil, unsupported(path, "exclusive numeric bounds")
	case s.MultipleOf != nil:
		return nil, unsupported(path, "multipleOf")
	case len(s.PrefixItems) > 0:
		return nil, unsupported(path, "prefixItems")
	}

	if types, ok := s.Type.([]any); ok {
		return nil, unsupported(path, "type union %v", types)
	}

	switch t := s.EffectiveType(); t {
	case "enum":
		return enumNode(s, path)
	case "object":
		return objectNode(s, path)
	case "array":
		return arrayNode(s, path)
	case "string":
		return &Node{Kind: String}, nil
	case "boolean":
		return &Node{Kind: Boolean}, nil
	case "null":
		return &Node{Kind: Null}, nil
	case "integer", "number":
		return numberNode(s, t, path)
	case "value":
		return nil, unsupported(path, "schema without a type")
	default:
		return nil, unsupported(path, "type %q", t)
	}
}

func objectNode(s *Schema, path string) (*Node, error) {
	if s.Properties == nil || s.Properties.Len() == 0 {
		return nil, unsupported(path, "object without properties")
	}

	n := &Node{Kind: Object}
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == nil {
			return nil, unsupported(path+"/properties/"+pair.Key, "empty property schema")
		}

		child, err := fromSchema(pair.Value, path+"/properties/"+pair.Key)
		if err != nil {
			return nil, err
		}

		n.Properties = append(n.Properties, Property{
			Name:     pair.Key,
			Required: slices.Contains(s.Required, pair.Key),
			Node:     child,
		})
	}

	for _, name := range s.Required {
		if _, ok := s.Properties.Get(name); !ok {
			return nil, unsupported(path, "required property %q without a schema", name)
		}
	}
	return n, nil
}

func arrayNode(s *Schema, path string) (*Node, error) {
	if s.Items == nil {
		return nil, unsupported(path, "array without items")
	}

	items, err := fromSchema(s.Items, path+"/items")
	if err != nil {
		return nil, err
	}

	n := &Node{Kind: Array, Items: items, MaxItems: -1}
	if s.MinItems != nil {
		n.MinItems = max(*s.MinItems, 0)
	}
	if s.MaxItems != nil {
		n.MaxItems = max(*s.MaxItems, 0)
		if n.MaxItems < n.MinItems {
			return nil, unsupported(path, "maxItems %d below minItems %d", n.MaxItems, n.MinItems)
		}
	}
	return n, nil
}

func numberNode(s *Schema, t, path string) (*Node, error) {
	n := &Node{Kind: Number}

	var err error
	if n.Minimum, err = bound(s.Minimum, "minimum", path); err != nil {
		return nil, err
	}
	if n.Maximum, err = bound(s.Maximum, "maximum", path); err != nil {
		return nil, err
	}

	if t == "integer" {
		n.Kind = Integer
		if n.Minimum != nil {
			n.Minimum = ceil(n.Minimum)
		}
		if n.Maximum != nil {
			n.Maximum = floor(n.Maximum)
		}
	}

	if n.Minimum != nil && n.Maximum != nil && n.Minimum.Cmp(n.Maximum) > 0 {
		return nil, unsupported(path, "minimum %s above maximum %s", decimal(n.Minimum), decimal(n.Maximum))
	}
	return n, nil
}

func bound(lit *json.Number, keyword, path string) (*big.Rat, error) {
	if lit == nil {
		return nil, nil
	}
	r, ok := new(big.Rat).SetString(lit.String())
	if !ok {
		return nil, unsupported(path, "%s %q", keyword, lit.String())
	}
	return r, nil
}

// floor rounds r toward negative infinity. The denominator of a big.Rat is
// always positive, so Euclidean division floors.
func floor(r *big.Rat) *big.Rat {
	return new(big.Rat).SetInt(new(big.Int).Div(r.Num(), r.Denom()))
}

func ceil(r *big.Rat) *big.Rat {
	f := floor(r)
	if f.Cmp(r) < 0 {
		f.Add(f, big.NewRat(1, 1))
	}
	return f
}

// decimal renders r in positional notation. Bounds come from decimal
// literals, so the expansion is finite.
func decimal(r *big.Rat) string {
	prec, _ := r.FloatPrec()
	return r.FloatString(prec)
}

func enumNode(s *Schema, path string) (*Node, error) {
	values := s.Enum
	if s.Const != nil {
		values = []json.RawMessage{s.Const}
	}

	n := &Node{Kind: Enum}
	for _, v := range values {
		var b bytes.Buffer
		if err := json.Compact(&b, v); err != nil {
			return nil, unsupported(path, "invalid enum value %s", v)
		}
		if !slices.ContainsFunc(n.Literals, func(l []byte) bool { return bytes.Equal(l, b.Bytes()) }) {
			n.Literals = append(n.Literals, b.Bytes())
		}
	}

	if len(n.Literals) == 0 {
		return nil, unsupported(path, "empty enum")
	}
	return n, nil
}

// String renders the tree compactly, for logs and tests.
func (n *Node) String() string {
	var sb strings.Builder
	n.write(&sb)
	return sb.String()
}

func (n *Node) write(sb *strings.Builder) {
	switch n.Kind {
	case Object:
		sb.WriteString("{")
		for i, p := range n.Properties {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(p.Name)
			if p.Required {
				sb.WriteString("!")
			}
			sb.WriteString(":")
			p.Node.write(sb)
		}
		sb.WriteString("}")
	case Array:
		sb.WriteString("[")
		n.Items.write(sb)
		fmt.Fprintf(sb, "]{%d,%d}", n.MinItems, n.MaxItems)
	case Enum:
		sb.WriteString("(")
		for i, l := range n.Literals {
			if i > 0 {
				sb.WriteString("|")
			}
			sb.Write(l)
		}
		sb.WriteString(")")
	case Integer, Number:
		sb.WriteString(n.Kind.String())
		if n.Bounded() {
			sb.WriteString("[")
			if n.Minimum != nil {
				sb.WriteString(decimal(n.Minimum))
			}
			sb.WriteString(",")
			if n.Maximum != nil {
				sb.WriteString(decimal(n.Maximum))
			}
			sb.WriteString("]")
		}
	default:
		sb.WriteString(n.Kind.String())
	}
}
