package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"capnproto.org/go/capnp/v3"
	"capnproto.org/go/capnp/v3/schema"
)

func TestNewGraphValidLayout(t *testing.T) {
	n := &schema.Node{
		ID:       1,
		Name:     "Point",
		IsStruct: true,
		Size:     capnp.ObjectSize{DataSize: 16, PointerCount: 1},
		Fields: []schema.Field{
			{Name: "x", IsSlot: true, Type: schema.TypeInt64, Offset: 0},
			{Name: "label", IsSlot: true, Type: schema.TypeText, Offset: 0},
		},
	}
	g, err := schema.NewGraph([]*schema.Node{n})
	assert.NoError(t, err)
	got, ok := g.Node(1)
	assert.True(t, ok)
	assert.Equal(t, n, got)
}

func TestNewGraphDuplicateID(t *testing.T) {
	a := &schema.Node{ID: 1, Name: "A", IsStruct: true}
	b := &schema.Node{ID: 1, Name: "B", IsStruct: true}
	_, err := schema.NewGraph([]*schema.Node{a, b})
	assert.Error(t, err)
}

func TestNewGraphDataOffsetOverflow(t *testing.T) {
	n := &schema.Node{
		ID:       2,
		Name:     "Narrow",
		IsStruct: true,
		Size:     capnp.ObjectSize{DataSize: 8}, // one word = one int64 slot at offset 0
		Fields: []schema.Field{
			{Name: "a", IsSlot: true, Type: schema.TypeInt64, Offset: 1}, // out of range
		},
	}
	_, err := schema.NewGraph([]*schema.Node{n})
	assert.Error(t, err)
}

func TestNewGraphPointerOffsetOverflow(t *testing.T) {
	n := &schema.Node{
		ID:       3,
		Name:     "NoPointers",
		IsStruct: true,
		Size:     capnp.ObjectSize{PointerCount: 0},
		Fields: []schema.Field{
			{Name: "p", IsSlot: true, Type: schema.TypeText, Offset: 0},
		},
	}
	_, err := schema.NewGraph([]*schema.Node{n})
	assert.Error(t, err)
}

func TestNewGraphGroupCycleRejected(t *testing.T) {
	n := &schema.Node{
		ID:       4,
		Name:     "Cyclic",
		IsStruct: true,
		Fields: []schema.Field{
			{Name: "g1", IsGroup: true, GroupNode: 100},
			{Name: "g2", IsGroup: true, GroupNode: 100},
		},
	}
	_, err := schema.NewGraph([]*schema.Node{n})
	assert.Error(t, err)
}

func TestNewGraphInterfaceMethodsValidated(t *testing.T) {
	params := &schema.Node{ID: 10, Name: "EchoParams", IsStruct: true}
	results := &schema.Node{ID: 11, Name: "EchoResults", IsStruct: true}
	iface := &schema.Node{
		ID:          12,
		Name:        "Echoer",
		IsInterface: true,
		Methods: []schema.Method{
			{Name: "echo", ParamsNode: 10, ResultNode: 11},
		},
	}
	g, err := schema.NewGraph([]*schema.Node{params, results, iface})
	assert.NoError(t, err)
	got, ok := g.Node(12)
	assert.True(t, ok)
	assert.Equal(t, 1, len(got.Methods))
}

func TestNewGraphInterfaceUnknownParamsNode(t *testing.T) {
	iface := &schema.Node{
		ID:          13,
		Name:        "Broken",
		IsInterface: true,
		Methods: []schema.Method{
			{Name: "m", ParamsNode: 999},
		},
	}
	_, err := schema.NewGraph([]*schema.Node{iface})
	assert.Error(t, err)
}

func TestNewGraphInterfaceDuplicateMethod(t *testing.T) {
	iface := &schema.Node{
		ID:          14,
		Name:        "Dup",
		IsInterface: true,
		Methods: []schema.Method{
			{Name: "m"},
			{Name: "m"},
		},
	}
	_, err := schema.NewGraph([]*schema.Node{iface})
	assert.Error(t, err)
}
