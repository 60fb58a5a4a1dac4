package jnivm

import (
	"reflect"

	jerrors "github.com/zboralski/jnivm/internal/errors"
)

func mismatch(format string, args ...any) error {
	return jerrors.New(jerrors.PhaseMarshal, jerrors.KindTypeMismatch).Detail(format, args...).Build()
}

// toGo converts a value slot to Go type t. A null object becomes the zero
// value of t: nil pointer, empty string or nil slice.
func (env *Env) toGo(v Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		out.SetBool(v.Bool())
		return out, nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int, reflect.Int64:
		out.SetInt(v.Long())
		return out, nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		out.SetUint(uint64(v.Long()))
		return out, nil
	case reflect.Float32, reflect.Float64:
		out.SetFloat(v.Double())
		return out, nil
	}

	r := deref(v.Ref())
	if r == nil {
		return out, nil
	}

	switch t.Kind() {
	case reflect.String:
		s, ok := r.(*String)
		if !ok {
			return out, mismatch("%T is not a java/lang/String", r)
		}
		out.SetString(s.String())
		return out, nil
	case reflect.Slice:
		return env.sliceToGo(r, t)
	case reflect.Interface, reflect.Pointer:
		if reflect.TypeOf(r).AssignableTo(t) {
			out.Set(reflect.ValueOf(r))
			return out, nil
		}
		if c, ok := env.vm.convert(r, t); ok {
			out.Set(reflect.ValueOf(c))
			return out, nil
		}
		return out, jerrors.New(jerrors.PhaseMarshal, jerrors.KindTypeMismatch).
			Detail("cannot use %T as %s", r, t).Build()
	}
	return out, mismatch("unsupported parameter type %s", t)
}

func (env *Env) sliceToGo(r Ref, t reflect.Type) (reflect.Value, error) {
	if oa, ok := r.(*ObjectArray); ok {
		out := reflect.MakeSlice(t, oa.Len(), oa.Len())
		for i, e := range oa.data {
			ev, err := env.toGo(Obj(e), t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil
	}
	data := reflect.ValueOf(r).Elem().FieldByName("Data")
	if !data.IsValid() || data.Kind() != reflect.Slice {
		return reflect.Value{}, mismatch("%T is not an array", r)
	}
	if data.Type().AssignableTo(t) {
		return data, nil
	}
	if !data.Type().Elem().ConvertibleTo(t.Elem()) {
		return reflect.Value{}, mismatch("cannot use %T as %s", r, t)
	}
	out := reflect.MakeSlice(t, data.Len(), data.Len())
	for i := 0; i < data.Len(); i++ {
		out.Index(i).Set(data.Index(i).Convert(t.Elem()))
	}
	return out, nil
}

// fromGo converts a Go result of declared type t to a value slot. Objects
// are registered in the innermost local frame.
func (env *Env) fromGo(rv reflect.Value, t reflect.Type) (Value, error) {
	switch t.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int8:
		return Byte(int8(rv.Int())), nil
	case reflect.Uint8:
		return Byte(int8(rv.Uint())), nil
	case reflect.Uint16:
		return Char(uint16(rv.Uint())), nil
	case reflect.Int16:
		return Short(int16(rv.Int())), nil
	case reflect.Int32, reflect.Int:
		return Int(int32(rv.Int())), nil
	case reflect.Uint32:
		return Int(int32(rv.Uint())), nil
	case reflect.Int64:
		return Long(rv.Int()), nil
	case reflect.Uint64:
		return Long(int64(rv.Uint())), nil
	case reflect.Float32:
		return Float(float32(rv.Float())), nil
	case reflect.Float64:
		return Double(rv.Float()), nil
	case reflect.String:
		return Obj(env.NewStringGo(rv.String())), nil
	case reflect.Slice:
		if rv.IsNil() {
			return Obj(nil), nil
		}
		arr, err := env.sliceFromGo(rv)
		if err != nil {
			return Void, err
		}
		return Obj(env.NewLocalRef(arr)), nil
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return Obj(nil), nil
		}
		r, ok := rv.Interface().(Ref)
		if !ok {
			return Void, mismatch("%s is not a Ref", rv.Type())
		}
		return Obj(env.NewLocalRef(r)), nil
	}
	return Void, mismatch("unsupported result type %s", t)
}

func (env *Env) sliceFromGo(rv reflect.Value) (Ref, error) {
	n := rv.Len()
	et := rv.Type().Elem()
	switch et.Kind() {
	case reflect.Bool:
		return fillArray[bool](rv), nil
	case reflect.Int8, reflect.Uint8:
		return fillArray[int8](rv), nil
	case reflect.Uint16:
		return fillArray[uint16](rv), nil
	case reflect.Int16:
		return fillArray[int16](rv), nil
	case reflect.Int32, reflect.Int, reflect.Uint32:
		return fillArray[int32](rv), nil
	case reflect.Int64, reflect.Uint64:
		return fillArray[int64](rv), nil
	case reflect.Float32:
		return fillArray[float32](rv), nil
	case reflect.Float64:
		return fillArray[float64](rv), nil
	}

	desc, err := env.vm.SignatureOf(et)
	if err != nil {
		return nil, err
	}
	arr := env.newObjectArray(n, env.vm.FindClass(ClassNameOf(desc)))
	for i := 0; i < n; i++ {
		v, err := env.fromGo(rv.Index(i), et)
		if err != nil {
			return nil, err
		}
		arr.set(env.vm, i, v.Ref())
	}
	return arr, nil
}

// fillArray copies a Go slice of any numeric or bool kind into a new array.
func fillArray[T Primitive](rv reflect.Value) *Array[T] {
	a := NewArray[T](rv.Len())
	et := reflect.TypeFor[T]()
	for i := 0; i < rv.Len(); i++ {
		a.Data[i] = rv.Index(i).Convert(et).Interface().(T)
	}
	return a
}
