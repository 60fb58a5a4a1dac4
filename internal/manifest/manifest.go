// Package manifest describes classes for the VM in YAML: names, bases,
// constant fields, methods returning constants and natives implemented by
// emulated code.
//
//	classes:
//	  - name: android/os/Build$VERSION
//	    fields:
//	      - {name: SDK_INT, sig: I, static: true, value: 29}
//	  - name: com/example/App
//	    bases: [android/app/Application]
//	    methods:
//	      - {name: getPackageName, sig: ()Ljava/lang/String;, returns: com.example}
//	    natives:
//	      - {name: init, sig: ()V, static: true, addr: 0x1a40}
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/jnivm/internal/jnivm"
)

// Manifest is a set of class descriptions.
type Manifest struct {
	Classes []Class `yaml:"classes"`
}

// Class describes one class by internal name.
type Class struct {
	Name    string   `yaml:"name"`
	Bases   []string `yaml:"bases,omitempty"`
	Fields  []Field  `yaml:"fields,omitempty"`
	Methods []Method `yaml:"methods,omitempty"`
	Natives []Native `yaml:"natives,omitempty"`
}

// Field is a field holding a constant. Static fields are writable cells;
// instance fields read the same value for every receiver and ignore writes.
type Field struct {
	Name   string    `yaml:"name"`
	Sig    string    `yaml:"sig"`
	Static bool      `yaml:"static,omitempty"`
	Value  yaml.Node `yaml:"value,omitempty"`
}

// Method is a method that returns Returns, or the zero value when absent.
type Method struct {
	Name    string    `yaml:"name"`
	Sig     string    `yaml:"sig"`
	Static  bool      `yaml:"static,omitempty"`
	Returns yaml.Node `yaml:"returns,omitempty"`
}

// Native is a native method implemented at Addr, an offset from the base
// the code was loaded at.
type Native struct {
	Name   string `yaml:"name"`
	Sig    string `yaml:"sig"`
	Static bool   `yaml:"static,omitempty"`
	Addr   uint64 `yaml:"addr"`
}

// NativeBinder turns a Native into an implementation, usually emulated code.
type NativeBinder func(class string, n Native) (jnivm.Invoker, error)

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Decode reads one manifest document. Unknown keys are errors.
func Decode(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Parse is Decode on a byte slice.
func Parse(data []byte) (*Manifest, error) {
	return Decode(bytes.NewReader(data))
}

// Validate checks names, descriptors and constant values.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool)
	for _, c := range m.Classes {
		if c.Name == "" {
			return errors.New("class without a name")
		}
		if seen[c.Name] {
			return fmt.Errorf("class %s listed twice", c.Name)
		}
		seen[c.Name] = true

		for _, f := range c.Fields {
			if f.Name == "" || !jnivm.ValidTypeSignature(f.Sig) || f.Sig == "V" {
				return fmt.Errorf("%s: bad field %q:%q", c.Name, f.Name, f.Sig)
			}
			if _, err := constant(f.Sig, &f.Value); err != nil {
				return fmt.Errorf("%s.%s: %w", c.Name, f.Name, err)
			}
		}
		for _, md := range c.Methods {
			mt, err := jnivm.ParseMethodSignature(md.Sig)
			if md.Name == "" || err != nil {
				return fmt.Errorf("%s: bad method %q%s: %v", c.Name, md.Name, md.Sig, err)
			}
			if md.Name == "<init>" || md.Name == "<clinit>" {
				return fmt.Errorf("%s: %s cannot be declared, construction goes through the class factory", c.Name, md.Name)
			}
			if _, err := constant(mt.Return, &md.Returns); err != nil {
				return fmt.Errorf("%s.%s: %w", c.Name, md.Name, err)
			}
		}
		for _, n := range c.Natives {
			if _, err := jnivm.ParseMethodSignature(n.Sig); n.Name == "" || err != nil {
				return fmt.Errorf("%s: bad native %q%s: %v", c.Name, n.Name, n.Sig, err)
			}
		}
	}
	return nil
}

// Apply defines every class on env's VM and binds its members. Natives are
// registered through bind; a nil bind skips them.
func (m *Manifest) Apply(env *jnivm.Env, bind NativeBinder) error {
	vm := env.VM()
	for _, desc := range m.Classes {
		c := vm.FindClass(desc.Name)
		for _, base := range desc.Bases {
			c.AddBase(vm.FindClass(base))
		}
		for _, f := range desc.Fields {
			if err := bindField(env, c, f); err != nil {
				return fmt.Errorf("%s.%s: %w", desc.Name, f.Name, err)
			}
		}
		for _, md := range desc.Methods {
			if err := bindMethod(env, c, md); err != nil {
				return fmt.Errorf("%s.%s: %w", desc.Name, md.Name, err)
			}
		}
		if bind == nil || len(desc.Natives) == 0 {
			continue
		}
		natives := make([]jnivm.NativeMethod, 0, len(desc.Natives))
		for _, n := range desc.Natives {
			inv, err := bind(desc.Name, n)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", desc.Name, n.Name, err)
			}
			natives = append(natives, jnivm.NativeMethod{Name: n.Name, Signature: n.Sig, Fn: inv, Static: n.Static})
		}
		if err := c.RegisterNatives(natives); err != nil {
			return fmt.Errorf("%s: %w", desc.Name, err)
		}
	}
	return nil
}

func bindField(env *jnivm.Env, c *jnivm.Class, f Field) error {
	v, err := materialize(env, f.Sig, &f.Value)
	if err != nil {
		return err
	}
	st := &cell{v: v}
	get := jnivm.InvokerFunc(func(*jnivm.Env, jnivm.Ref, []jnivm.Value) (jnivm.Value, error) {
		return st.load(), nil
	})
	var set jnivm.Invoker
	if f.Static {
		set = jnivm.InvokerFunc(func(env *jnivm.Env, _ jnivm.Ref, args []jnivm.Value) (jnivm.Value, error) {
			st.store(env, args[0])
			return jnivm.Void, nil
		})
	}
	c.DeclareField(f.Name, f.Sig, f.Static).BindAccessors(get, set)
	return nil
}

func bindMethod(env *jnivm.Env, c *jnivm.Class, md Method) error {
	mt, err := jnivm.ParseMethodSignature(md.Sig)
	if err != nil {
		return err
	}
	v, err := materialize(env, mt.Return, &md.Returns)
	if err != nil {
		return err
	}
	kind := jnivm.InstanceFunction
	if md.Static {
		kind = jnivm.StaticFunction
	}
	c.GetMethodID(md.Name, md.Sig, md.Static).Bind(kind, jnivm.InvokerFunc(
		func(*jnivm.Env, jnivm.Ref, []jnivm.Value) (jnivm.Value, error) {
			return v, nil
		}))
	return nil
}

// materialize is constant plus object creation: string constants become
// global java/lang/String objects that live as long as the VM.
func materialize(env *jnivm.Env, desc string, node *yaml.Node) (jnivm.Value, error) {
	c, err := constant(desc, node)
	if err != nil {
		return jnivm.Void, err
	}
	if c.str == nil {
		return c.v, nil
	}
	g := env.NewGlobalRef(jnivm.NewStringBytes(jnivm.EncodeString(*c.str)))
	return jnivm.Obj(g.Get()), nil
}

// Snapshot describes the classes currently registered on vm, without values.
// Classes and members keep registration order; classes are sorted by name.
func Snapshot(vm *jnivm.VM) *Manifest {
	classes := vm.Classes()
	sort.Slice(classes, func(i, j int) bool { return classes[i].FullName < classes[j].FullName })

	m := &Manifest{}
	for _, c := range classes {
		desc := Class{Name: c.FullName}
		for _, b := range c.Bases() {
			desc.Bases = append(desc.Bases, b.FullName)
		}
		for _, f := range c.Fields() {
			desc.Fields = append(desc.Fields, Field{Name: f.Name, Sig: f.Signature, Static: f.Static})
		}
		for _, md := range c.Methods() {
			if md.Native {
				desc.Natives = append(desc.Natives, Native{Name: md.Name, Sig: md.Signature, Static: md.Static})
				continue
			}
			desc.Methods = append(desc.Methods, Method{Name: md.Name, Sig: md.Signature, Static: md.Static})
		}
		m.Classes = append(m.Classes, desc)
	}
	return m
}

// Encode writes m as YAML.
func (m *Manifest) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return err
	}
	return enc.Close()
}
