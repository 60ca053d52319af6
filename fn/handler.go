package fn

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/progrium/dtalk-go/rpc"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	callType    = reflect.TypeOf(&rpc.Call{})
)

// HandlerFrom uses reflection to return a handler from either a function or
// methods from a struct. When a struct is used, HandlerFrom creates a RespondMux
// registering each exported method under its name with the first letter
// lowercased, so a method Increment answers requests of type "increment".
// From there, methods are treated just like functions.
//
// Functions may take a leading context.Context, which is the context of the
// connection, and a trailing *rpc.Call. The parameters in between receive the
// request data: a single parameter gets the data as a whole, several
// parameters expect the data to be an array with one element per parameter.
// Struct parameters are decoded with mapstructure. Functions can return
// nothing which the handler returns as nil, or a single value which can be an
// error, or two values where one value is an error. In the latter case, the
// value is returned if the error is nil, otherwise just the error is returned.
//
// Structs that implement the Handler interface will be added as a catch-all handler
// along with their individual methods. This lets you implement dynamic methods.
func HandlerFrom(v interface{}) rpc.Handler {
	rv := reflect.Indirect(reflect.ValueOf(v))
	switch rv.Type().Kind() {
	case reflect.Func:
		return fromFunc(reflect.ValueOf(v), reflect.Value{})
	case reflect.Struct:
		return fromMethods(v)
	default:
		panic("must be func or struct")
	}
}

// Args is the data value for calls made to multi-parameter HandlerFrom
// handlers. Since it is just a slice of empty interface values, you can
// alternatively use more specific slice types ([]int{}, etc) if all
// arguments are of the same type.
type Args []interface{}

// TypeName returns the request type a method named name is registered under.
func TypeName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}

func fromMethods(rcvr interface{}) rpc.Handler {
	t := reflect.TypeOf(rcvr)
	mux := rpc.NewRespondMux()
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if m.Name == "RespondRPC" {
			continue
		}
		mux.Handle(TypeName(m.Name), fromFunc(m.Func, reflect.ValueOf(rcvr)))
	}
	h, ok := rcvr.(rpc.Handler)
	if ok {
		mux.Handle("", h)
	}
	return mux
}

// signature describes where the data parameters of a handler function are.
type signature struct {
	rcvr    bool
	ctx     bool
	call    bool
	numData int
	first   int
}

func signatureOf(fntyp reflect.Type, rcvr bool) signature {
	s := signature{rcvr: rcvr}
	in := fntyp.NumIn()
	if rcvr {
		s.first++
	}
	if s.first < in && fntyp.In(s.first) == contextType {
		s.ctx = true
		s.first++
	}
	if in > s.first && fntyp.In(in-1) == callType {
		s.call = true
		in--
	}
	s.numData = in - s.first
	return s
}

func fromFunc(fn reflect.Value, rcvr reflect.Value) rpc.Handler {
	fntyp := fn.Type()
	sig := signatureOf(fntyp, rcvr.IsValid())

	return rpc.HandlerFunc(func(r rpc.Responder, c *rpc.Call) {
		defer func() {
			if p := recover(); p != nil {
				r.Return(fmt.Errorf("panic: %s", p))
			}
		}()

		var fnParams []reflect.Value
		if sig.rcvr {
			fnParams = append(fnParams, rcvr)
		}
		if sig.ctx {
			ctx := c.Context
			if ctx == nil {
				ctx = context.Background()
			}
			fnParams = append(fnParams, reflect.ValueOf(ctx))
		}

		args, err := dataArgs(c, sig.numData)
		if err != nil {
			r.Return(err)
			return
		}
		for idx, param := range args {
			arg, err := convertArg(fntyp.In(sig.first+idx), param)
			if err != nil {
				r.Return(err)
				return
			}
			fnParams = append(fnParams, arg)
		}

		if sig.call {
			fnParams = append(fnParams, reflect.ValueOf(c))
		}

		r.Return(parseReturn(fn.Call(fnParams)))
	})
}

// dataArgs splits the request data across n parameters.
func dataArgs(c *rpc.Call, n int) ([]interface{}, error) {
	switch n {
	case 0:
		return nil, nil
	case 1:
		v, err := c.Value()
		if err != nil {
			return nil, fmt.Errorf("fn: args: %s", err.Error())
		}
		return []interface{}{v}, nil
	}

	var args []interface{}
	if err := c.Receive(&args); err != nil {
		return nil, fmt.Errorf("fn: args: %s", err.Error())
	}
	if len(args) > n {
		return nil, errors.New("fn: too many input arguments")
	}
	if len(args) < n {
		return nil, errors.New("fn: too few input arguments")
	}
	return args, nil
}

// parseReturn turns a slice of reflect.Values into a value or an error
func parseReturn(ret []reflect.Value) interface{} {
	out, err := ParseReturn(ret)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	return out[0]
}

// ensureType ensures a value is converted to the expected
// defined type from a convertable underlying type
func ensureType(v reflect.Value, t reflect.Type) reflect.Value {
	nv := v
	if v.Type().Kind() == reflect.Slice && v.Type() != t {
		switch t.Kind() {
		case reflect.Array:
			nv = reflect.Indirect(reflect.New(t))
			for i := 0; i < v.Len() && i < nv.Len(); i++ {
				vv := reflect.ValueOf(v.Index(i).Interface())
				nv.Index(i).Set(vv.Convert(nv.Type().Elem()))
			}
			return nv
		case reflect.Slice:
			nv = reflect.MakeSlice(t, 0, v.Len())
			for i := 0; i < v.Len(); i++ {
				vv := reflect.ValueOf(v.Index(i).Interface())
				nv = reflect.Append(nv, vv.Convert(nv.Type().Elem()))
			}
			return nv
		case reflect.Interface:
		default:
			panic("unable to convert slice to non-array, non-slice type")
		}
	}
	if t.Kind() == reflect.Interface {
		return nv
	}
	if v.Type() != t {
		nv = nv.Convert(t)
	}
	return nv
}
