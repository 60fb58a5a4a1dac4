package manifest

import (
	"fmt"
	"math"
	"sync"
	"unicode/utf16"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/jnivm/internal/jnivm"
)

const stringDesc = "Ljava/lang/String;"

// parsed is a constant before any VM object exists. str is set for
// java/lang/String constants.
type parsed struct {
	v   jnivm.Value
	str *string
}

// constant converts a YAML scalar to a value of type desc. An absent or
// null node gives the zero value.
func constant(desc string, node *yaml.Node) (parsed, error) {
	k := jnivm.KindOf(desc)
	if node.Kind == 0 || node.Tag == "!!null" {
		return parsed{v: jnivm.Zero(k)}, nil
	}
	if node.Kind != yaml.ScalarNode {
		return parsed{}, fmt.Errorf("line %d: %s constant must be a scalar", node.Line, desc)
	}

	switch k {
	case jnivm.KindVoid:
		return parsed{}, fmt.Errorf("line %d: void method cannot return a value", node.Line)
	case jnivm.KindBoolean:
		var b bool
		if err := node.Decode(&b); err != nil {
			return parsed{}, err
		}
		return parsed{v: jnivm.Bool(b)}, nil
	case jnivm.KindChar:
		if node.Tag == "!!str" {
			units := utf16.Encode([]rune(node.Value))
			if len(units) != 1 {
				return parsed{}, fmt.Errorf("line %d: char constant %q is not one UTF-16 unit", node.Line, node.Value)
			}
			return parsed{v: jnivm.Char(units[0])}, nil
		}
		n, err := integer(node, 0, math.MaxUint16)
		return parsed{v: jnivm.Char(uint16(n))}, err
	case jnivm.KindByte:
		n, err := integer(node, math.MinInt8, math.MaxInt8)
		return parsed{v: jnivm.Byte(int8(n))}, err
	case jnivm.KindShort:
		n, err := integer(node, math.MinInt16, math.MaxInt16)
		return parsed{v: jnivm.Short(int16(n))}, err
	case jnivm.KindInt:
		n, err := integer(node, math.MinInt32, math.MaxInt32)
		return parsed{v: jnivm.Int(int32(n))}, err
	case jnivm.KindLong:
		n, err := integer(node, math.MinInt64, math.MaxInt64)
		return parsed{v: jnivm.Long(n)}, err
	case jnivm.KindFloat:
		var f float64
		if err := node.Decode(&f); err != nil {
			return parsed{}, err
		}
		return parsed{v: jnivm.Float(float32(f))}, nil
	case jnivm.KindDouble:
		var f float64
		if err := node.Decode(&f); err != nil {
			return parsed{}, err
		}
		return parsed{v: jnivm.Double(f)}, nil
	}

	if desc != stringDesc {
		return parsed{}, fmt.Errorf("line %d: only null is allowed for %s", node.Line, desc)
	}
	s := node.Value
	return parsed{v: jnivm.Obj(nil), str: &s}, nil
}

func integer(node *yaml.Node, lo, hi int64) (int64, error) {
	var n int64
	if err := node.Decode(&n); err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("line %d: %d out of range [%d, %d]", node.Line, n, lo, hi)
	}
	return n, nil
}

// cell is the storage behind a manifest field. Object values are held
// through a global reference so they outlive the frame that stored them.
type cell struct {
	mu sync.Mutex
	v  jnivm.Value
	g  *jnivm.Global
}

func (c *cell) load() jnivm.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *cell) store(env *jnivm.Env, v jnivm.Value) {
	var g *jnivm.Global
	if v.Kind() == jnivm.KindObject && v.Ref() != nil {
		g = env.NewGlobalRef(v.Ref())
	}
	c.mu.Lock()
	old := c.g
	c.v, c.g = v, g
	c.mu.Unlock()
	if old != nil {
		env.DeleteGlobalRef(old)
	}
}
