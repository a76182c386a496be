package server

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/bxd/mini-rpc/codec"
	"github.com/bxd/mini-rpc/message"
	"github.com/pkg/errors"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// service is one exposed implementation, addressed by its ServiceKey.
type service struct {
	name    string
	version string
	rcvr    reflect.Value
	typ     reflect.Type
}

// newService validates rcvr and wraps it. An empty name falls back to the
// receiver's type name.
func newService(name, version string, rcvr any) (*service, error) {
	if rcvr == nil {
		return nil, errors.New("rpc: rcvr must not be nil")
	}
	typ := reflect.TypeOf(rcvr)
	if typ.NumMethod() == 0 {
		return nil, errors.Errorf("rpc: %s has no exported methods", typ)
	}
	if name == "" {
		t := typ
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		name = t.Name()
	}
	return &service{
		name:    name,
		version: version,
		rcvr:    reflect.ValueOf(rcvr),
		typ:     typ,
	}, nil
}

func (s *service) key() string {
	return message.ServiceKey(s.name, s.version)
}

// methodType is a resolved, callable method. Accepted shapes:
//
//	func (r *T) M([ctx context.Context,] p1 P1, ..., pn Pn) [(R,) (error)]
type methodType struct {
	method    reflect.Method
	hasCtx    bool
	argTypes  []reflect.Type
	hasResult bool
	hasError  bool
}

// methodKey identifies one resolution: same receiver type, method name and
// parameter descriptors always resolve to the same method.
type methodKey struct {
	typ    reflect.Type
	name   string
	params string
}

// methodCache memoizes reflective method resolution across all services.
type methodCache struct {
	m sync.Map // methodKey → *methodType
}

func (c *methodCache) resolve(typ reflect.Type, name string, paramTypes []string) (*methodType, error) {
	key := methodKey{typ: typ, name: name, params: strings.Join(paramTypes, ",")}
	if mt, ok := c.m.Load(key); ok {
		return mt.(*methodType), nil
	}

	mt, err := resolveMethod(typ, name, paramTypes)
	if err != nil {
		return nil, err
	}
	actual, _ := c.m.LoadOrStore(key, mt)
	return actual.(*methodType), nil
}

func resolveMethod(typ reflect.Type, name string, paramTypes []string) (*methodType, error) {
	method, ok := typ.MethodByName(name)
	if !ok {
		method, ok = typ.MethodByName(exportedName(name))
	}
	if !ok {
		return nil, errors.Errorf("method not found: %s.%s", typ, name)
	}

	mt := &methodType{method: method}
	mtype := method.Type
	if mtype.IsVariadic() {
		return nil, errors.Errorf("variadic method not supported: %s.%s", typ, method.Name)
	}

	first := 1 // In(0) is the receiver
	if mtype.NumIn() > 1 && mtype.In(1) == contextType {
		mt.hasCtx = true
		first = 2
	}
	for i := first; i < mtype.NumIn(); i++ {
		mt.argTypes = append(mt.argTypes, mtype.In(i))
	}

	switch mtype.NumOut() {
	case 0:
	case 1:
		if mtype.Out(0) == errorType {
			mt.hasError = true
		} else {
			mt.hasResult = true
		}
	case 2:
		if mtype.Out(1) != errorType {
			return nil, errors.Errorf("second return value of %s.%s must be error", typ, method.Name)
		}
		mt.hasResult, mt.hasError = true, true
	default:
		return nil, errors.Errorf("too many return values: %s.%s", typ, method.Name)
	}

	if len(paramTypes) != len(mt.argTypes) {
		return nil, errors.Errorf("method %s.%s takes %d params, got %d", typ, method.Name, len(mt.argTypes), len(paramTypes))
	}
	for i, desc := range paramTypes {
		if !paramMatches(mt.argTypes[i], desc) {
			return nil, errors.Errorf("method %s.%s param %d is %s, got %q", typ, method.Name, i, mt.argTypes[i], desc)
		}
	}
	return mt, nil
}

// paramMatches reports whether an argument described as desc can be decoded
// into t. "" marks a nil argument, which only nillable kinds accept;
// interface parameters accept anything.
func paramMatches(t reflect.Type, desc string) bool {
	switch t.Kind() {
	case reflect.Interface:
		return true
	case reflect.Ptr, reflect.Slice, reflect.Map:
		if desc == "" {
			return true
		}
	}
	return t.String() == desc
}

func exportedName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

// call decodes params, invokes the method and encodes its return value.
// A returned error becomes a FAIL result; panics are left to the caller.
func (s *service) call(ctx context.Context, c codec.Codec, mt *methodType, params [][]byte) (*message.Result, error) {
	args := make([]reflect.Value, 0, 2+len(mt.argTypes))
	args = append(args, s.rcvr)
	if mt.hasCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	for i, t := range mt.argTypes {
		argv := reflect.New(t)
		if err := codec.Unmarshal(c, params[i], argv.Interface()); err != nil {
			return nil, errors.Wrapf(err, "param %d", i)
		}
		args = append(args, argv.Elem())
	}

	out := mt.method.Func.Call(args)

	if mt.hasError {
		if errv := out[len(out)-1]; !errv.IsNil() {
			msg := errv.Interface().(error).Error()
			if msg == "" {
				msg = "remote error"
			}
			return &message.Result{Message: msg}, nil
		}
	}

	result := &message.Result{}
	if mt.hasResult {
		data, err := codec.Marshal(c, out[0].Interface())
		if err != nil {
			return nil, err
		}
		result.Data = data
	}
	return result, nil
}
