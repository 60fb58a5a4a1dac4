package jnivm

import (
	"reflect"
	"strings"

	jerrors "github.com/zboralski/jnivm/internal/errors"
)

// MethodType is a parsed invoke-style descriptor.
type MethodType struct {
	Params []string
	Return string
}

// ReturnKind is the slot kind of the return descriptor.
func (mt MethodType) ReturnKind() Kind { return KindOf(mt.Return) }

// ParamKinds lists the slot kind of every parameter.
func (mt MethodType) ParamKinds() []Kind {
	kinds := make([]Kind, len(mt.Params))
	for i, p := range mt.Params {
		kinds[i] = KindOf(p)
	}
	return kinds
}

func (mt MethodType) String() string {
	return "(" + strings.Join(mt.Params, "") + ")" + mt.Return
}

// ParseMethodSignature splits "(<params>)<ret>" into its components.
func ParseMethodSignature(sig string) (MethodType, error) {
	var mt MethodType
	if len(sig) < 3 || sig[0] != '(' {
		return mt, jerrors.Signature(sig, "missing parameter list")
	}
	i := 1
	for i < len(sig) && sig[i] != ')' {
		end, err := typeEnd(sig, i)
		if err != nil {
			return mt, err
		}
		mt.Params = append(mt.Params, sig[i:end])
		i = end
	}
	if i >= len(sig) {
		return mt, jerrors.Signature(sig, "unterminated parameter list")
	}
	i++
	if i < len(sig) && sig[i] == 'V' && i+1 == len(sig) {
		mt.Return = "V"
		return mt, nil
	}
	end, err := typeEnd(sig, i)
	if err != nil {
		return mt, err
	}
	if end != len(sig) {
		return mt, jerrors.Signature(sig, "trailing bytes after return type")
	}
	mt.Return = sig[i:end]
	return mt, nil
}

// ValidTypeSignature reports whether desc is exactly one field descriptor.
func ValidTypeSignature(desc string) bool {
	end, err := typeEnd(desc, 0)
	return err == nil && end == len(desc)
}

// typeEnd returns the index just past the field descriptor starting at i.
func typeEnd(sig string, i int) (int, error) {
	start := i
	for i < len(sig) && sig[i] == '[' {
		i++
	}
	if i >= len(sig) {
		return 0, jerrors.Signature(sig, "truncated descriptor at %d", start)
	}
	switch sig[i] {
	case 'Z', 'B', 'C', 'S', 'I', 'J', 'F', 'D':
		return i + 1, nil
	case 'L':
		semi := strings.IndexByte(sig[i:], ';')
		if semi <= 1 {
			return 0, jerrors.Signature(sig, "unterminated class name at %d", i)
		}
		return i + semi + 1, nil
	}
	return 0, jerrors.Signature(sig, "unexpected %q at %d", sig[i], i)
}

// ClassDescriptor turns an internal class name into its descriptor. Array
// class names are already descriptors.
func ClassDescriptor(name string) string {
	if strings.HasPrefix(name, "[") {
		return name
	}
	return "L" + name + ";"
}

// ClassNameOf strips "L" and ";" from an object descriptor.
func ClassNameOf(desc string) string {
	if len(desc) > 2 && desc[0] == 'L' && desc[len(desc)-1] == ';' {
		return desc[1 : len(desc)-1]
	}
	return desc
}

// ClassNamer lets Go types declare their Java class name when they are not
// registered with DefineClass.
type ClassNamer interface {
	JavaClassName() string
}

var (
	refType       = reflect.TypeFor[Ref]()
	envType       = reflect.TypeFor[*Env]()
	errorType     = reflect.TypeFor[error]()
	classType     = reflect.TypeFor[*Class]()
	stringType    = reflect.TypeFor[*String]()
	throwableType = reflect.TypeFor[*Throwable]()
	namerType     = reflect.TypeFor[ClassNamer]()
)

// primitiveDescriptors is the fixed Go type to descriptor mapping.
var primitiveDescriptors = map[reflect.Kind]string{
	reflect.Bool:    "Z",
	reflect.Int8:    "B",
	reflect.Uint8:   "B",
	reflect.Uint16:  "C",
	reflect.Int16:   "S",
	reflect.Int32:   "I",
	reflect.Int:     "I",
	reflect.Uint32:  "I",
	reflect.Int64:   "J",
	reflect.Uint64:  "J",
	reflect.Float32: "F",
	reflect.Float64: "D",
}

// arrayElem is implemented by *Array[T] and *ObjectArray.
type arrayElem interface {
	elemDescriptor() string
}

// SignatureOf returns the field descriptor for a Go type. Registered types
// use their class name; others fall back to ClassNamer or the Go package path,
// so the result does not depend on registration order.
func (vm *VM) SignatureOf(t reflect.Type) (string, error) {
	if d, ok := primitiveDescriptors[t.Kind()]; ok {
		return d, nil
	}
	switch t.Kind() {
	case reflect.String:
		return "Ljava/lang/String;", nil
	case reflect.Slice:
		elem, err := vm.SignatureOf(t.Elem())
		if err != nil {
			return "", err
		}
		return "[" + elem, nil
	case reflect.Interface:
		if t == refType || t.Implements(refType) {
			return "Ljava/lang/Object;", nil
		}
		return "", jerrors.New(jerrors.PhaseMarshal, jerrors.KindTypeMismatch).
			Detail("interface %s is not a Ref", t).Build()
	case reflect.Pointer:
		if !t.Implements(refType) {
			break
		}
		if vm != nil {
			vm.mu.RLock()
			cls := vm.types[t]
			vm.mu.RUnlock()
			if cls != nil {
				return ClassDescriptor(cls.FullName), nil
			}
		}
		if t.Implements(arrayElemType) {
			return "[" + reflect.Zero(t).Interface().(arrayElem).elemDescriptor(), nil
		}
		return ClassDescriptor(staticClassName(t)), nil
	}
	return "", jerrors.New(jerrors.PhaseMarshal, jerrors.KindTypeMismatch).
		Detail("no descriptor for Go type %s", t).Build()
}

var arrayElemType = reflect.TypeFor[arrayElem]()

// staticClassName derives a class name without consulting any registry.
func staticClassName(t reflect.Type) string {
	if t.Implements(namerType) {
		if n, ok := reflect.Zero(t).Interface().(ClassNamer); ok {
			if name := n.JavaClassName(); name != "" {
				return strings.ReplaceAll(name, ".", "/")
			}
		}
	}
	switch t {
	case stringType:
		return "java/lang/String"
	case classType:
		return "java/lang/Class"
	case throwableType:
		return "java/lang/Throwable"
	}
	elem := t
	for elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}
	pkg := strings.NewReplacer(".", "/", "-", "_").Replace(elem.PkgPath())
	if pkg == "" {
		return elem.Name()
	}
	return pkg + "/" + elem.Name()
}

// invokeSignature composes "(<params>)<ret>" from Go types. A nil ret is void.
func (vm *VM) invokeSignature(params []reflect.Type, ret reflect.Type) (string, error) {
	var b strings.Builder
	b.WriteByte('(')
	for _, p := range params {
		d, err := vm.SignatureOf(p)
		if err != nil {
			return "", err
		}
		b.WriteString(d)
	}
	b.WriteByte(')')
	if ret == nil {
		b.WriteByte('V')
	} else {
		d, err := vm.SignatureOf(ret)
		if err != nil {
			return "", err
		}
		b.WriteString(d)
	}
	return b.String(), nil
}
