// Package value implements the VM's tagged Value union and the heap
// object kinds it can reference: strings, tables, functions, and upvalues.
package value

import (
	"fmt"
	"math"
	"strconv"

	"luavm/pkg/bytecode"
)

// Type tags a Value's payload.
type Type uint8

const (
	TNil Type = iota
	TNumber
	TBool
	TString
	TTable
	TFunction
	TCFunc
)

func (t Type) String() string {
	switch t {
	case TNil:
		return "nil"
	case TNumber:
		return "number"
	case TBool:
		return "boolean"
	case TString:
		return "string"
	case TTable:
		return "table"
	case TFunction, TCFunc:
		return "function"
	default:
		return "unknown"
	}
}

// Value is the tagged union every register and stack slot holds. Nil,
// Number and Bool are compared by value and strings by content (interning
// makes equal contents share one object); Table and Function are compared
// by reference identity, matching Lua's semantics where two distinct
// tables are never equal.
type Value struct {
	typ Type
	num float64
	b   bool
	obj Object
}

// Object is implemented by every heap-allocated kind. Header returns the
// embedded GC bookkeeping struct shared by all of them.
type Object interface {
	Header() *Header
}

// Kind identifies a heap object's concrete type for the GC and traces.
type Kind uint8

const (
	KindString Kind = iota
	KindTable
	KindFunction
	KindUpvalue
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindTable:
		return "table"
	case KindFunction:
		return "function"
	case KindUpvalue:
		return "upvalue"
	default:
		return "unknown"
	}
}

// Header is the common GC prefix every heap object carries: whether it
// survived the last mark phase, its kind (for sweep-time dispatch and
// tracing), its accounted size in bytes, and the intrusive link to the
// next object in the heap's allocation list.
type Header struct {
	Mark bool
	Kind Kind
	Size int
	Next Object
}

func (h *Header) Header() *Header { return h }

// --- Constructors ---

func Nil() Value              { return Value{typ: TNil} }
func Number(n float64) Value  { return Value{typ: TNumber, num: n} }
func Bool(b bool) Value       { return Value{typ: TBool, b: b} }
func FromObject(o Object) Value {
	k := o.Header().Kind
	t := TTable
	switch k {
	case KindString:
		t = TString
	case KindFunction:
		t = TFunction
	}
	return Value{typ: t, obj: o}
}

// CFunc wraps a native (Go-implemented) function for calling from script.
type CFuncValue struct {
	Name string
	Fn   func(args []Value) (Value, error)
}

func CFunc(c *CFuncValue) Value { return Value{typ: TCFunc, obj: cfuncBox{c}} }

// cfuncBox lets a native function satisfy Object without participating in
// GC — it has no header because it is never heap-allocated by the GC.
type cfuncBox struct{ c *CFuncValue }

func (cfuncBox) Header() *Header { return nil }

func (v Value) AsCFunc() *CFuncValue {
	if box, ok := v.obj.(cfuncBox); ok {
		return box.c
	}
	return nil
}

// --- Accessors ---

func (v Value) Type() Type   { return v.typ }
func (v Value) IsNil() bool  { return v.typ == TNil }
func (v Value) Num() float64 { return v.num }
func (v Value) Bool() bool   { return v.b }
func (v Value) Obj() Object  { return v.obj }

// Truthy implements Lua truthiness: everything except nil and false.
func (v Value) Truthy() bool {
	if v.typ == TNil {
		return false
	}
	if v.typ == TBool {
		return v.b
	}
	return true
}

// AsString returns the underlying string and true if v holds a string.
func (v Value) AsString() (string, bool) {
	if s, ok := v.obj.(*StringObj); ok {
		return s.Data, true
	}
	return "", false
}

// AsStringObj returns the underlying heap string object and true if v holds
// a string; unlike AsString, this exposes the object itself (for GC marking)
// rather than its Go string value.
func (v Value) AsStringObj() (*StringObj, bool) {
	s, ok := v.obj.(*StringObj)
	return s, ok
}

// AsTable returns the underlying table and true if v holds a table.
func (v Value) AsTable() (*TableObj, bool) {
	t, ok := v.obj.(*TableObj)
	return t, ok
}

// AsFunction returns the underlying function object and true if v holds one.
func (v Value) AsFunction() (*FunctionObj, bool) {
	f, ok := v.obj.(*FunctionObj)
	return f, ok
}

// Equal implements Value equality: structural for Nil/Number/Bool/String,
// identity-based for Table/Function (distinct tables are never equal even
// with identical contents).
func Equal(a, b Value) bool {
	if a.typ != b.typ {
		return false
	}
	switch a.typ {
	case TNil:
		return true
	case TNumber:
		return a.num == b.num
	case TBool:
		return a.b == b.b
	case TString:
		as, _ := a.AsString()
		bs, _ := b.AsString()
		return as == bs
	default:
		return a.obj == b.obj
	}
}

// String renders v the way the `print` builtin does.
func (v Value) String() string {
	switch v.typ {
	case TNil:
		return "nil"
	case TBool:
		if v.b {
			return "true"
		}
		return "false"
	case TNumber:
		return formatNumber(v.num)
	case TString:
		s, _ := v.AsString()
		return s
	case TTable:
		return fmt.Sprintf("table: %p", v.obj)
	case TFunction, TCFunc:
		return fmt.Sprintf("function: %p", v.obj)
	default:
		return "<unknown>"
	}
}

func formatNumber(n float64) string {
	if math.IsInf(n, 1) {
		return "inf"
	}
	if math.IsInf(n, -1) {
		return "-inf"
	}
	if math.IsNaN(n) {
		return "nan"
	}
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// --- Heap object kinds ---

// StringObj is an immutable, interned byte sequence.
type StringObj struct {
	Header
	Data string
}

// TableObj is a Value->Value mapping with insertion-order iteration and a
// reserved (never populated by the core) metatable slot.
type TableObj struct {
	Header
	entries map[tableKey]Value
	order   []tableKey
	Meta    *TableObj
}

// tableKey is a comparable projection of Value usable as a Go map key:
// structural types compare by value, heap types by pointer identity.
type tableKey struct {
	typ Type
	num float64
	b   bool
	obj Object
}

func keyOf(v Value) tableKey {
	return tableKey{typ: v.typ, num: v.num, b: v.b, obj: v.obj}
}

func NewTable() *TableObj {
	return &TableObj{Header: Header{Kind: KindTable}, entries: map[tableKey]Value{}}
}

// Get returns the value at key, or Nil if absent.
func (t *TableObj) Get(key Value) Value {
	v, ok := t.entries[keyOf(key)]
	if !ok {
		return Nil()
	}
	return v
}

// Set inserts or overwrites key. Nil keys are rejected by the caller
// before reaching here (the VM raises a TypeError instead).
func (t *TableObj) Set(key, val Value) {
	k := keyOf(key)
	if _, existed := t.entries[k]; !existed {
		t.order = append(t.order, k)
	}
	t.entries[k] = val
}

// Len approximates Lua's `#t` border: the count of contiguous integer
// keys 1..n with no gap.
func (t *TableObj) Len() int {
	n := 0
	for {
		_, ok := t.entries[keyOf(Number(float64(n + 1)))]
		if !ok {
			break
		}
		n++
	}
	return n
}

// Each iterates entries in first-insertion order; overwriting an existing
// key's value keeps the key at its original position.
func (t *TableObj) Each(fn func(k, v Value)) {
	for _, k := range t.order {
		v, ok := t.entries[k]
		if !ok {
			continue
		}
		fn(keyToValue(k), v)
	}
}

func keyToValue(k tableKey) Value {
	return Value{typ: k.typ, num: k.num, b: k.b, obj: k.obj}
}

// UpvalueState distinguishes an upvalue still pointing into a live stack
// frame from one whose owning frame has already returned.
type UpvalueState uint8

const (
	Open UpvalueState = iota
	Closed
)

// UpvalueObj is shared between a closure's captured_upvalues and its
// defining frame's out_upvalues until the frame returns.
type UpvalueObj struct {
	Header
	State      UpvalueState
	StackIndex int // valid while State == Open
	ClosedVal  Value
}

// FunctionObj is a loaded, callable script function: its decoded
// instruction stream, resolved constant pool (the chunk's raw Consts
// interned into live Values by the loader), and the upvalues captured when
// the closure was created.
type FunctionObj struct {
	Header
	Name           string
	Code           []bytecode.Instr
	Constants      []Value
	NumParams      int
	NumLocals      int
	MaxStackSize   int
	UpvalueDescs   []UpvalueDesc
	CapturedUpvals []*UpvalueObj
	Children       []string // child prototype names, in OpClosure A-index order
}

// UpvalueDesc mirrors ir.UpvalSource at the runtime layer: where a captured
// upvalue comes from in the enclosing frame at closure-creation time.
type UpvalueDesc struct {
	FromLocal bool
	Index     int
}
