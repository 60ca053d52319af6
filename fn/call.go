package fn

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

var errorInterface = reflect.TypeOf((*error)(nil)).Elem()

// Call wraps invoking a function via reflection, converting the arguments with
// ArgsTo and the returns with ParseReturn.
func Call(fn any, args []any) (_ []any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %s", p)
		}
	}()
	fnval := reflect.ValueOf(fn)
	fnParams, err := ArgsTo(fnval.Type(), args)
	if err != nil {
		return nil, err
	}
	fnReturn := fnval.Call(fnParams)
	return ParseReturn(fnReturn)
}

// ArgsTo converts the arguments into `reflect.Value`s suitable to pass as
// parameters to a function with the given type via reflection.
func ArgsTo(fntyp reflect.Type, args []any) ([]reflect.Value, error) {
	if len(args) != fntyp.NumIn() {
		return nil, fmt.Errorf("fn: expected %d params, got %d", fntyp.NumIn(), len(args))
	}
	fnParams := make([]reflect.Value, len(args))
	for idx, param := range args {
		arg, err := convertArg(fntyp.In(idx), param)
		if err != nil {
			return nil, err
		}
		fnParams[idx] = arg
	}
	return fnParams, nil
}

// convertArg converts a decoded JSON value into a value of type t.
func convertArg(t reflect.Type, param any) (reflect.Value, error) {
	if param == nil {
		return reflect.Zero(t), nil
	}
	switch t.Kind() {
	case reflect.Struct, reflect.Map:
		// decode to struct type using mapstructure
		arg := reflect.New(t)
		if err := mapstructure.Decode(param, arg.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("fn: mapstructure: %s", err.Error())
		}
		return arg.Elem(), nil
	case reflect.Ptr:
		if t.Elem().Kind() != reflect.Struct {
			break
		}
		arg := reflect.New(t.Elem())
		if err := mapstructure.Decode(param, arg.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("fn: mapstructure: %s", err.Error())
		}
		return arg, nil
	case reflect.Slice:
		rv := reflect.ValueOf(param)
		if rv.Kind() != reflect.Slice {
			return reflect.Value{}, fmt.Errorf("fn: expected array for %s", t)
		}
		// decode slice of structs to struct type using mapstructure
		if t.Elem().Kind() == reflect.Struct {
			nv := reflect.MakeSlice(t, rv.Len(), rv.Len())
			for i := 0; i < rv.Len(); i++ {
				ref := reflect.New(nv.Index(i).Type())
				if err := mapstructure.Decode(rv.Index(i).Interface(), ref.Interface()); err != nil {
					return reflect.Value{}, fmt.Errorf("fn: mapstructure: %s", err.Error())
				}
				nv.Index(i).Set(reflect.Indirect(ref))
			}
			return nv, nil
		}
		return ensureType(rv, t), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		// numbers arrive as float64 from the JSON decoder
		f, ok := param.(float64)
		if !ok {
			return reflect.Value{}, fmt.Errorf("fn: expected number for %s, got %T", t, param)
		}
		return reflect.ValueOf(f).Convert(t), nil
	}
	rv := reflect.ValueOf(param)
	if t.Kind() != reflect.Interface && !rv.Type().ConvertibleTo(t) {
		return reflect.Value{}, fmt.Errorf("fn: cannot use %T as %s", param, t)
	}
	return ensureType(rv, t), nil
}

// ParseReturn splits the results of reflect.Call() into the values, and
// possibly an error.
// If the last value is a non-nil error, this will return `nil, err`.
// If the last value is a nil error it will be removed from the value list.
// Any remaining values will be converted and returned as `any` typed values.
func ParseReturn(ret []reflect.Value) ([]any, error) {
	if len(ret) == 0 {
		return nil, nil
	}
	last := ret[len(ret)-1]
	if last.Type().Implements(errorInterface) {
		if !last.IsNil() {
			return nil, last.Interface().(error)
		}
		ret = ret[:len(ret)-1]
	}
	out := make([]any, len(ret))
	for i, r := range ret {
		out[i] = r.Interface()
	}
	return out, nil
}
