package host

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"reflect"
	"sort"

	"replicad/pkg/types"
)

// The dynamic name-based resolution of the original is a typed method table
// here, built once at initialization time. Each exported handler method is
// classified as unary or streaming by its return shape:
//
//	unary:     func(...) (T, error) | func(...) T | func(...) error | func(...)
//	streaming: func(...) iter.Seq[any] | func(...) (iter.Seq[any], error)
//	           func(...) <-chan T     | func(...) (<-chan T, error)
//
// An optional leading context.Context parameter and an optional
// *types.GRPCContext parameter are injected by the dispatcher; all other
// parameters are filled from the call's positional arguments.

type methodKind int

const (
	kindUnary methodKind = iota
	kindSeq
	kindChan
)

var (
	ctxType     = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType     = reflect.TypeOf((*error)(nil)).Elem()
	grpcCtxType = reflect.TypeOf((*types.GRPCContext)(nil))
	seqType     = reflect.TypeOf((iter.Seq[any])(nil))
)

// Lifecycle capabilities are not remotely callable.
var reservedMethods = map[string]bool{
	"Reconfigure":    true,
	"CheckHealth":    true,
	"Shutdown":       true,
	"ShutdownModels": true,
	"HandleMessages": true,
	"Startup":        true,
	"ServeHTTP":      true,
	"String":         true,
}

type boundMethod struct {
	name     string
	fn       reflect.Value
	kind     methodKind
	ins      []reflect.Type // parameter types, receiver excluded
	numArgs  int            // user-filled parameters (ctx and grpc context excluded)
	hasValue bool
	hasErr   bool
}

// buildMethodTable inspects the handler instance once and returns its
// callable methods keyed by name.
func buildMethodTable(handler any) map[string]*boundMethod {
	table := make(map[string]*boundMethod)
	v := reflect.ValueOf(handler)
	if !v.IsValid() {
		return table
	}
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !m.IsExported() || reservedMethods[m.Name] || m.Type.IsVariadic() {
			continue
		}
		bm := classifyMethod(m.Name, v.Method(i))
		if bm != nil {
			table[m.Name] = bm
		}
	}
	return table
}

func classifyMethod(name string, fn reflect.Value) *boundMethod {
	ft := fn.Type()
	bm := &boundMethod{name: name, fn: fn}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errType {
			bm.hasErr = true
		} else {
			bm.hasValue = true
			bm.kind = streamKind(ft.Out(0))
		}
	case 2:
		if ft.Out(1) != errType {
			return nil
		}
		bm.hasValue = true
		bm.hasErr = true
		bm.kind = streamKind(ft.Out(0))
	default:
		return nil
	}

	for i := 0; i < ft.NumIn(); i++ {
		in := ft.In(i)
		bm.ins = append(bm.ins, in)
		if in != ctxType && in != grpcCtxType {
			bm.numArgs++
		}
	}
	return bm
}

// streamKind classifies a result type as a synchronous sequence, an
// asynchronous sequence, or a plain value.
func streamKind(t reflect.Type) methodKind {
	if t.Kind() == reflect.Func && t.ConvertibleTo(seqType) {
		return kindSeq
	}
	if t.Kind() == reflect.Chan && t.ChanDir() != reflect.SendDir {
		return kindChan
	}
	return kindUnary
}

// call invokes the bound method, injecting ctx and the protocol context
// where declared and filling remaining parameters from args.
func (m *boundMethod) call(ctx context.Context, md types.RequestMetadata, args []any) ([]reflect.Value, error) {
	in := make([]reflect.Value, 0, len(m.ins))
	ai := 0
	for _, t := range m.ins {
		switch t {
		case ctxType:
			in = append(in, reflect.ValueOf(ctx))
		case grpcCtxType:
			in = append(in, reflect.ValueOf(md.GRPCContext))
		default:
			if ai >= len(args) {
				return nil, &UsageError{Reason: fmt.Sprintf(
					"method %q expects %d argument(s), got %d", m.name, m.numArgs, len(args))}
			}
			v, err := convertArg(args[ai], t)
			if err != nil {
				return nil, &UsageError{Reason: fmt.Sprintf(
					"method %q argument %d: %v", m.name, ai, err)}
			}
			in = append(in, v)
			ai++
		}
	}
	if ai != len(args) {
		return nil, &UsageError{Reason: fmt.Sprintf(
			"method %q expects %d argument(s), got %d", m.name, m.numArgs, len(args))}
	}
	return m.fn.Call(in), nil
}

// splitResult separates the value and the error from a Call result.
func (m *boundMethod) splitResult(out []reflect.Value) (reflect.Value, error) {
	var val reflect.Value
	var err error
	if m.hasErr {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	if m.hasValue {
		val = out[0]
	}
	return val, err
}

// convertArg coerces a dynamically-typed argument into the parameter type.
// JSON transport widens all numbers to float64, so numeric conversions are
// applied; anything else falls back to a JSON round-trip (maps into
// structs and the like).
func convertArg(arg any, t reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if isNumeric(v.Kind()) && isNumeric(t.Kind()) {
		return v.Convert(t), nil
	}
	raw, err := json.Marshal(arg)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, t)
	}
	dst := reflect.New(t)
	if err := json.Unmarshal(raw, dst.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, t)
	}
	return dst.Elem(), nil
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// resultStream is the tagged union of {synchronous sequence, asynchronous
// sequence}, resolved once per call and consumed uniformly.
type resultStream struct {
	kind methodKind
	seq  iter.Seq[any]
	ch   reflect.Value
}

func newResultStream(kind methodKind, v reflect.Value) *resultStream {
	rs := &resultStream{kind: kind}
	switch kind {
	case kindSeq:
		rs.seq = v.Convert(seqType).Interface().(iter.Seq[any])
	case kindChan:
		rs.ch = v
	}
	return rs
}

// consume drives the stream, invoking emit per element. Cancelling ctx
// stops consumption cooperatively at the next element boundary.
func (rs *resultStream) consume(ctx context.Context, emit func(any) error) error {
	switch rs.kind {
	case kindSeq:
		var emitErr error
		for v := range rs.seq {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emit(v); err != nil {
				emitErr = err
				break
			}
		}
		return emitErr
	case kindChan:
		if rs.ch.IsNil() {
			return nil
		}
		doneCase := reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())}
		recvCase := reflect.SelectCase{Dir: reflect.SelectRecv, Chan: rs.ch}
		for {
			chosen, v, ok := reflect.Select([]reflect.SelectCase{doneCase, recvCase})
			if chosen == 0 {
				return ctx.Err()
			}
			if !ok {
				return nil
			}
			if err := emit(v.Interface()); err != nil {
				return err
			}
		}
	default:
		return &UsageError{Reason: "method is not a streaming method"}
	}
}

// methodNames lists the table's methods for MethodNotFound errors.
func methodNames(table map[string]*boundMethod) []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
