package mm

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Common axis names used by acquisitions.
const (
	AxisChannel  = "channel"
	AxisTime     = "time"
	AxisZ        = "z"
	AxisPosition = "position"
	AxisRow      = "row"
	AxisColumn   = "column"
)

type axisEntry struct {
	name  string
	index int
}

// AxesPosition is an immutable N-dimensional coordinate identifying one
// acquired image plane, e.g., {channel: 1, time: 3, z: 0}.  Axes with index
// 0 are dropped from the canonical form so an absent axis and an axis at 0
// are equivalent.
type AxesPosition struct {
	entries []axisEntry // sorted by name, no zero indices
}

// NewAxesPosition returns an AxesPosition from an axis name -> index map.
func NewAxesPosition(m map[string]int) (AxesPosition, error) {
	entries := make([]axisEntry, 0, len(m))
	for name, index := range m {
		if err := checkAxisName(name); err != nil {
			return AxesPosition{}, err
		}
		if index < 0 {
			return AxesPosition{}, fmt.Errorf("axis %q has negative index %d", name, index)
		}
		if index == 0 {
			continue
		}
		entries = append(entries, axisEntry{name, index})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return AxesPosition{entries}, nil
}

// Axes is a convenience constructor taking alternating name and index
// arguments.  It panics on malformed input and is intended for literals.
//
//	mm.Axes("channel", 1, "time", 0)
func Axes(nameIndex ...interface{}) AxesPosition {
	if len(nameIndex)%2 != 0 {
		panic("mm.Axes requires name/index pairs")
	}
	m := make(map[string]int, len(nameIndex)/2)
	for i := 0; i < len(nameIndex); i += 2 {
		name, ok := nameIndex[i].(string)
		if !ok {
			panic(fmt.Sprintf("mm.Axes: axis name %v is not a string", nameIndex[i]))
		}
		index, ok := nameIndex[i+1].(int)
		if !ok {
			panic(fmt.Sprintf("mm.Axes: index for %q is not an int", name))
		}
		m[name] = index
	}
	a, err := NewAxesPosition(m)
	if err != nil {
		panic(err)
	}
	return a
}

func checkAxisName(name string) error {
	if name == "" {
		return fmt.Errorf("axis name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("axis name %q is too long", name)
	}
	if strings.ContainsAny(name, "=,") {
		return fmt.Errorf("axis name %q cannot contain '=' or ','", name)
	}
	return nil
}

// Index returns the index along the named axis, or 0 if absent.
func (a AxesPosition) Index(name string) int {
	for _, e := range a.entries {
		if e.name == name {
			return e.index
		}
	}
	return 0
}

// Has returns true if the axis has a non-zero index.
func (a AxesPosition) Has(name string) bool {
	for _, e := range a.entries {
		if e.name == name {
			return true
		}
	}
	return false
}

// NumAxes returns the number of axes with non-zero indices.
func (a AxesPosition) NumAxes() int {
	return len(a.entries)
}

// Names returns the sorted names of axes with non-zero indices.
func (a AxesPosition) Names() []string {
	names := make([]string, len(a.entries))
	for i, e := range a.entries {
		names[i] = e.name
	}
	return names
}

// Map returns a copy of the non-zero axes as a map.
func (a AxesPosition) Map() map[string]int {
	m := make(map[string]int, len(a.entries))
	for _, e := range a.entries {
		m[e.name] = e.index
	}
	return m
}

// Equal returns true if all axis entries match, treating absent axes as 0.
func (a AxesPosition) Equal(b AxesPosition) bool {
	if len(a.entries) != len(b.entries) {
		return false
	}
	for i := range a.entries {
		if a.entries[i] != b.entries[i] {
			return false
		}
	}
	return true
}

// With returns a new AxesPosition with the named axis set to index.
func (a AxesPosition) With(name string, index int) AxesPosition {
	m := a.Map()
	m[name] = index
	b, err := NewAxesPosition(m)
	if err != nil {
		panic(err)
	}
	return b
}

// Without returns a new AxesPosition lacking the named axes.
func (a AxesPosition) Without(names ...string) AxesPosition {
	entries := make([]axisEntry, 0, len(a.entries))
	for _, e := range a.entries {
		drop := false
		for _, name := range names {
			if e.name == name {
				drop = true
				break
			}
		}
		if !drop {
			entries = append(entries, e)
		}
	}
	return AxesPosition{entries}
}

// String returns "name=index" pairs separated by commas in axis-name order.
// The all-zero position is the empty string.
func (a AxesPosition) String() string {
	parts := make([]string, len(a.entries))
	for i, e := range a.entries {
		parts[i] = e.name + "=" + strconv.Itoa(e.index)
	}
	return strings.Join(parts, ",")
}

// ParseAxesPosition parses the output of String(), e.g., "channel=1,time=3".
func ParseAxesPosition(s string) (AxesPosition, error) {
	m := make(map[string]int)
	s = strings.TrimSpace(s)
	if s == "" {
		return AxesPosition{}, nil
	}
	for _, part := range strings.Split(s, ",") {
		elems := strings.Split(part, "=")
		if len(elems) != 2 {
			return AxesPosition{}, fmt.Errorf("bad axis specification %q, expected name=index", part)
		}
		name := strings.TrimSpace(elems[0])
		index, err := strconv.Atoi(strings.TrimSpace(elems[1]))
		if err != nil {
			return AxesPosition{}, fmt.Errorf("bad index for axis %q: %v", name, err)
		}
		if _, found := m[name]; found {
			return AxesPosition{}, fmt.Errorf("axis %q given twice", name)
		}
		m[name] = index
	}
	return NewAxesPosition(m)
}

// Bytes returns a compact binary encoding that is identical for equal positions.
func (a AxesPosition) Bytes() []byte {
	buf := make([]byte, 0, 2+len(a.entries)*12)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(a.entries)))
	for _, e := range a.entries {
		buf = append(buf, byte(len(e.name)))
		buf = append(buf, e.name...)
		buf = binary.AppendUvarint(buf, uint64(e.index))
	}
	return buf
}

// Key returns the binary encoding as a string suitable for map keys.
func (a AxesPosition) Key() string {
	return string(a.Bytes())
}

// AxesPositionFromBytes decodes the output of Bytes().
func AxesPositionFromBytes(b []byte) (AxesPosition, error) {
	a, n, err := decodeAxes(b)
	if err != nil {
		return AxesPosition{}, err
	}
	if n != len(b) {
		return AxesPosition{}, fmt.Errorf("%d trailing bytes after axes encoding", len(b)-n)
	}
	return a, nil
}

func decodeAxes(b []byte) (AxesPosition, int, error) {
	if len(b) < 2 {
		return AxesPosition{}, 0, fmt.Errorf("axes encoding too short: %d bytes", len(b))
	}
	num := int(binary.LittleEndian.Uint16(b[0:2]))
	pos := 2
	entries := make([]axisEntry, 0, num)
	for i := 0; i < num; i++ {
		if pos >= len(b) {
			return AxesPosition{}, 0, fmt.Errorf("truncated axes encoding")
		}
		nameLen := int(b[pos])
		pos++
		if pos+nameLen > len(b) {
			return AxesPosition{}, 0, fmt.Errorf("truncated axis name in encoding")
		}
		name := string(b[pos : pos+nameLen])
		pos += nameLen
		index, n := binary.Uvarint(b[pos:])
		if n <= 0 {
			return AxesPosition{}, 0, fmt.Errorf("bad index for axis %q in encoding", name)
		}
		pos += n
		entries = append(entries, axisEntry{name, int(index)})
	}
	return AxesPosition{entries}, pos, nil
}

// MarshalJSON encodes the position as a JSON object of axis -> index.
func (a AxesPosition) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Map())
}

// UnmarshalJSON decodes a JSON object of axis -> index.
func (a *AxesPosition) UnmarshalJSON(b []byte) error {
	var m map[string]int
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	pos, err := NewAxesPosition(m)
	if err != nil {
		return err
	}
	*a = pos
	return nil
}
