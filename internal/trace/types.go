// Package trace provides types for trace event collection and analysis.
package trace

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	JniCall   Tag = "jni-call"
	JavaVM    Tag = "javavm"
	Class     Tag = "class"
	Member    Tag = "member"
	Invoke    Tag = "invoke"
	Field     Tag = "field"
	Reference Tag = "reference"
	Exception Tag = "exception"
	String    Tag = "string"
	Array     Tag = "array"
	Pin       Tag = "pin"
	Native    Tag = "native"
	Monitor   Tag = "monitor"
	Reflect   Tag = "reflect"
	Buffer    Tag = "buffer"
	Fatal     Tag = "fatal"
	Fallback  Tag = "fallback"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Event is one call through the JNIEnv or JavaVM tables.
type Event struct {
	PC          uint64      // Program counter (return address of stub call)
	Tags        Tags        // Multiple hashtags, first is primary
	Name        string      // Function name (e.g., "FindClass")
	Detail      string      // Additional detail (e.g., "com/foo/Bar")
	Annotations Annotations // Key-value metadata
	Timestamp   time.Time   // When the event occurred
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(pc uint64, category, name, detail string) *Event {
	return &Event{
		PC:          pc,
		Tags:        Tags{Tag(category)},
		Name:        name,
		Detail:      detail,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations[k] = v
}

// AnnotationKeys returns the annotation keys in sorted order.
func (e *Event) AnnotationKeys() []string {
	keys := make([]string, 0, len(e.Annotations))
	for k := range e.Annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher enriches trace events based on category and name.
type Enricher func(e *Event)

// nameTags maps JNIEnv function name fragments to tags. Order matters:
// the first match wins.
var nameTags = []struct {
	frag string
	tag  Tag
}{
	{"Critical", Pin},
	{"Elements", Pin},
	{"Chars", Pin},
	{"Natives", Native},
	{"Monitor", Monitor},
	{"Reflected", Reflect},
	{"DirectBuffer", Buffer},
	{"Exception", Exception},
	{"Throw", Exception},
	{"Ref", Reference},
	{"LocalFrame", Reference},
	{"LocalCapacity", Reference},
	{"MethodID", Member},
	{"FieldID", Member},
	{"ObjectArray", Array},
	{"Call", Invoke},
	{"NewObject", Invoke},
	{"Field", Field},
	{"String", String},
	{"Array", Array},
	{"Class", Class},
	{"Superclass", Class},
	{"AssignableFrom", Class},
	{"InstanceOf", Class},
	{"AllocObject", Class},
}

// DefaultEnricher adds additional tags based on category and name.
func DefaultEnricher(e *Event) {
	if len(e.Tags) == 0 {
		return
	}

	switch e.Tags[0] {
	case "jni":
		e.AddTag(JniCall)
		if e.Name == "reserved" {
			e.AddTag(Fallback)
			return
		}
		if e.Name == "FatalError" {
			e.AddTag(Fatal)
			return
		}
		for _, nt := range nameTags {
			if strings.Contains(e.Name, nt.frag) {
				e.AddTag(nt.tag)
				break
			}
		}
		if strings.HasPrefix(e.Name, "CallNonvirtual") {
			e.Annotate("dispatch", "nonvirtual")
		} else if strings.HasPrefix(e.Name, "CallStatic") {
			e.Annotate("dispatch", "static")
		}

	case "javavm":
		e.AddTag(JavaVM)
		if e.Name == "reserved" {
			e.AddTag(Fallback)
		}
	}
}

// Collector buffers events between instructions. The code hook drains it
// so each event prints next to the instruction that returned from the stub.
type Collector struct {
	mu     sync.Mutex
	events []*Event
	total  int
}

// Add appends e.
func (c *Collector) Add(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	c.total++
}

// Drain returns the buffered events and empties the buffer.
func (c *Collector) Drain() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events
	c.events = nil
	return events
}

// Total returns the number of events ever added.
func (c *Collector) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
