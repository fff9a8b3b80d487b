// Package schema models the subset of a Cap'n Proto schema (the
// node graph a CodeGeneratorRequest carries) that this runtime's
// hand-written generated code depends on: struct and interface
// layouts, field offsets, and field default values. A real
// capnpc-go-equivalent plugin would consult a graph like this one to
// emit Reader/Builder accessors; here it stands in for that plugin's
// output model. Neither the wire engine nor the RPC schema mirror
// (std/capnp/rpc) uses this package: std/capnp/rpc hard-codes its
// own offsets.
package schema

import (
	"capnproto.org/go/capnp/v3"
	"capnproto.org/go/capnp/v3/exc"
)

// NodeID is a schema node's 64-bit globally-unique identifier, as
// found on the wire in every generated type's _typeID constant.
type NodeID uint64

// Type is the shape of a field's value. It mirrors schema.capnp's
// Type union down to the cases the runtime's own code actually needs
// to reason about (enough to validate a struct layout and to decode
// typed default values); it does not attempt the full generic/brand
// machinery real schema nodes carry.
type Type int

const (
	TypeVoid Type = iota
	TypeBool
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeText
	TypeData
	TypeList
	TypeStruct
	TypeInterface
	TypeAnyPointer
)

// IsPointer reports whether a value of this type occupies a pointer
// slot rather than the data section.
func (t Type) IsPointer() bool {
	switch t {
	case TypeText, TypeData, TypeList, TypeStruct, TypeInterface, TypeAnyPointer:
		return true
	default:
		return false
	}
}

// bitSize returns the number of bits a data-section value of this
// type occupies, or 0 for pointer types and void.
func (t Type) bitSize() int {
	switch t {
	case TypeBool:
		return 1
	case TypeInt8, TypeUint8:
		return 8
	case TypeInt16, TypeUint16:
		return 16
	case TypeInt32, TypeUint32, TypeFloat32:
		return 32
	case TypeInt64, TypeUint64, TypeFloat64:
		return 64
	default:
		return 0
	}
}

// A Field is one slot of a struct node: either a direct data/pointer
// slot, or a named group that reuses its parent's sections.
type Field struct {
	Name string

	// Slot fields:
	IsSlot       bool
	Type         Type
	Offset       uint32 // in units of the type's own bit/pointer size
	DefaultValue capnp.Ptr

	// Group fields reuse the enclosing struct's data/pointer sections
	// under a nested Go type; GroupNode names that type's node.
	IsGroup   bool
	GroupNode NodeID
}

// A Method is one entry of an interface node's method table, keyed by
// (interface id, method id) the way an RPC Call addresses it.
type Method struct {
	Name       string
	ParamsNode NodeID
	ResultNode NodeID
}

// A Node is one entry of the schema graph: a struct layout or an
// interface's method table. Enums, consts and annotations are out of
// scope for this runtime's own needs (nothing in std/capnp/rpc uses
// them) and are intentionally not modeled.
type Node struct {
	ID   NodeID
	Name string

	// Struct nodes:
	IsStruct bool
	Size     capnp.ObjectSize
	Fields   []Field

	// Interface nodes:
	IsInterface bool
	Methods     []Method
}

// A Graph is a validated collection of Nodes, indexed by ID.
type Graph struct {
	nodes map[NodeID]*Node
}

// NewGraph builds a Graph from nodes, validating every struct node's
// field layout against its declared ObjectSize. It is the schema
// analogue of capnp.NewStruct failing on an inconsistent layout: bad
// input is rejected at load time, not discovered lazily per-field.
func NewGraph(nodes []*Node) (*Graph, error) {
	g := &Graph{nodes: make(map[NodeID]*Node, len(nodes))}
	for _, n := range nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, exc.Errorf("schema: duplicate node id %d", n.ID)
		}
		g.nodes[n.ID] = n
	}
	for _, n := range nodes {
		if n.IsStruct {
			if err := validateStruct(n); err != nil {
				return nil, err
			}
		}
		if n.IsInterface {
			if err := validateInterface(g, n); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// Node looks up a node by id.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func validateStruct(n *Node) error {
	dataBits := int(n.Size.DataSize) * 8
	seenGroups := make(map[NodeID]bool)
	for _, f := range n.Fields {
		switch {
		case f.IsSlot && f.IsGroup:
			return exc.Errorf("schema: node %d field %q is both slot and group", n.ID, f.Name)
		case f.IsSlot:
			bits := f.Type.bitSize()
			if f.Type.IsPointer() {
				if uint64(f.Offset) >= uint64(n.Size.PointerCount) {
					return exc.New(exc.Failed, exc.ProtocolViolation, "schema: node %d field %q pointer offset %d exceeds pointer count %d", n.ID, f.Name, f.Offset, n.Size.PointerCount)
				}
				continue
			}
			if bits == 0 {
				continue // void
			}
			end := int(f.Offset)*bits + bits
			if end > dataBits {
				return exc.New(exc.Failed, exc.ProtocolViolation, "schema: node %d field %q data offset overflows %d-bit data section", n.ID, f.Name, dataBits)
			}
		case f.IsGroup:
			if seenGroups[f.GroupNode] {
				return exc.Errorf("schema: node %d field %q names an already-visited group (cycle)", n.ID, f.Name)
			}
			seenGroups[f.GroupNode] = true
		default:
			return exc.Errorf("schema: node %d field %q is neither slot nor group", n.ID, f.Name)
		}
	}
	return nil
}

func validateInterface(g *Graph, n *Node) error {
	seen := make(map[string]bool, len(n.Methods))
	for _, m := range n.Methods {
		if seen[m.Name] {
			return exc.Errorf("schema: interface %d declares method %q twice", n.ID, m.Name)
		}
		seen[m.Name] = true
		if m.ParamsNode != 0 {
			if pn, ok := g.nodes[m.ParamsNode]; !ok || !pn.IsStruct {
				return exc.Errorf("schema: interface %d method %q params node %d is not a struct", n.ID, m.Name, m.ParamsNode)
			}
		}
		if m.ResultNode != 0 {
			if rn, ok := g.nodes[m.ResultNode]; !ok || !rn.IsStruct {
				return exc.Errorf("schema: interface %d method %q result node %d is not a struct", n.ID, m.Name, m.ResultNode)
			}
		}
	}
	return nil
}
