package steps

import (
	"encoding/json"
	"fmt"
	"reflect"
	"unicode/utf16"
)

// Node is a ProseMirror document node in its JSON form.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
	Text    string         `json:"text,omitempty"`
}

// Mark is an inline annotation such as bold or a link.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Slice is a fragment cut out of a document, with the depth of open nodes on
// either side.
type Slice struct {
	Content   []*Node `json:"content,omitempty"`
	OpenStart int     `json:"openStart,omitempty"`
	OpenEnd   int     `json:"openEnd,omitempty"`
}

type step struct {
	StepType string          `json:"stepType"`
	From     int             `json:"from"`
	To       int             `json:"to"`
	GapFrom  int             `json:"gapFrom"`
	GapTo    int             `json:"gapTo"`
	Insert   int             `json:"insert"`
	Slice    *Slice          `json:"slice"`
	Mark     *Mark           `json:"mark"`
	Pos      int             `json:"pos"`
	Attr     string          `json:"attr"`
	Value    json.RawMessage `json:"value"`
}

// DefaultLeaves are the leaf node types of the basic schema, mapped to
// whether they are inline.
var DefaultLeaves = map[string]bool{
	"hard_break":      true,
	"image":           true,
	"horizontal_rule": false,
}

// ProseMirror applies ProseMirror transform steps (replace, replaceAround,
// addMark, removeMark, attr) without a schema. Node sizes follow ProseMirror:
// text counts UTF-16 code units, leaves count 1 and every other node counts
// its content plus 2. Because there is no schema, content expressions are not
// validated; the step producer is trusted to emit well-formed steps.
type ProseMirror struct {
	leaves map[string]bool
}

// NewProseMirror builds an applier. leaves maps leaf node types to whether
// they are inline; nil means DefaultLeaves.
func NewProseMirror(leaves map[string]bool) *ProseMirror {
	if leaves == nil {
		leaves = DefaultLeaves
	}
	return &ProseMirror{leaves: leaves}
}

func (p *ProseMirror) Apply(doc, raw json.RawMessage) (json.RawMessage, error) {
	var root Node
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("%w: decode doc: %v", ErrInvalidStep, err)
	}
	var s step
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: decode step: %v", ErrInvalidStep, err)
	}

	next, err := p.applyStep(&root, s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(next)
}

func (p *ProseMirror) applyStep(doc *Node, s step) (*Node, error) {
	switch s.StepType {
	case "replace":
		return p.replaceRange(doc, s.From, s.To, sliceOrEmpty(s.Slice))
	case "replaceAround":
		return p.replaceAround(doc, s)
	case "addMark":
		if s.Mark == nil {
			return nil, fmt.Errorf("%w: addMark without mark", ErrInvalidStep)
		}
		mark := *s.Mark
		return p.mapMarks(doc, s.From, s.To, func(set []Mark) []Mark { return addToSet(set, mark) })
	case "removeMark":
		if s.Mark == nil {
			return nil, fmt.Errorf("%w: removeMark without mark", ErrInvalidStep)
		}
		mark := *s.Mark
		return p.mapMarks(doc, s.From, s.To, func(set []Mark) []Mark { return removeFromSet(set, mark) })
	case "attr":
		return p.setAttr(doc, s.Pos, s.Attr, s.Value)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStep, s.StepType)
	}
}

func sliceOrEmpty(s *Slice) Slice {
	if s == nil {
		return Slice{}
	}
	return *s
}

func (p *ProseMirror) replaceRange(doc *Node, from, to int, slice Slice) (*Node, error) {
	if from > to {
		return nil, fmt.Errorf("%w: from %d after to %d", ErrInvalidStep, from, to)
	}
	rFrom, err := p.resolve(doc, from)
	if err != nil {
		return nil, err
	}
	rTo, err := p.resolve(doc, to)
	if err != nil {
		return nil, err
	}
	return p.replace(rFrom, rTo, slice)
}

func (p *ProseMirror) replaceAround(doc *Node, s step) (*Node, error) {
	gap, err := p.slice(doc, s.GapFrom, s.GapTo)
	if err != nil {
		return nil, err
	}
	if gap.OpenStart != 0 || gap.OpenEnd != 0 {
		return nil, fmt.Errorf("%w: gap is not a flat range", ErrInvalidStep)
	}
	wrapper := sliceOrEmpty(s.Slice)
	content, err := p.insertInto(wrapper.Content, s.Insert+wrapper.OpenStart, gap.Content)
	if err != nil {
		return nil, err
	}
	inserted := Slice{Content: content, OpenStart: wrapper.OpenStart, OpenEnd: wrapper.OpenEnd}
	return p.replaceRange(doc, s.From, s.To, inserted)
}

func (p *ProseMirror) insertInto(content []*Node, dist int, insert []*Node) ([]*Node, error) {
	index, offset, err := p.findIndex(content, dist)
	if err != nil {
		return nil, err
	}
	var child *Node
	if index < len(content) {
		child = content[index]
	}
	if offset == dist || (child != nil && child.isText()) {
		size := p.contentSize(content)
		out := appendFragment(p.cutFragment(content, 0, dist), insert)
		return appendFragment(out, p.cutFragment(content, dist, size)), nil
	}
	if child == nil {
		return nil, fmt.Errorf("%w: content does not fit in gap", ErrInvalidStep)
	}
	inner, err := p.insertInto(child.Content, dist-offset-1, insert)
	if err != nil {
		return nil, err
	}
	return replaceChild(content, index, child.withContent(inner)), nil
}

// slice cuts [from, to) out of doc, keeping the nodes that enclose both ends
// open.
func (p *ProseMirror) slice(doc *Node, from, to int) (Slice, error) {
	if from == to {
		return Slice{}, nil
	}
	rFrom, err := p.resolve(doc, from)
	if err != nil {
		return Slice{}, err
	}
	rTo, err := p.resolve(doc, to)
	if err != nil {
		return Slice{}, err
	}
	depth := rFrom.sharedDepth(p, to)
	start := rFrom.start(depth)
	node := rFrom.node(depth)
	return Slice{
		Content:   p.cutFragment(node.Content, from-start, to-start),
		OpenStart: rFrom.depth() - depth,
		OpenEnd:   rTo.depth() - depth,
	}, nil
}

func (p *ProseMirror) mapMarks(doc *Node, from, to int, fn func([]Mark) []Mark) (*Node, error) {
	size := p.contentSize(doc.Content)
	if from < 0 || to > size || from > to {
		return nil, fmt.Errorf("%w: mark range %d-%d outside 0-%d", ErrInvalidStep, from, to, size)
	}
	if from == to {
		return doc, nil
	}
	return doc.withContent(p.mapMarksIn(doc.Content, 0, from, to, fn)), nil
}

func (p *ProseMirror) mapMarksIn(content []*Node, pos, from, to int, fn func([]Mark) []Mark) []*Node {
	var out []*Node
	for _, child := range content {
		size := p.nodeSize(child)
		end := pos + size
		switch {
		case end <= from || pos >= to:
			addNode(child, &out)
		case child.isText():
			s, e := max(from, pos)-pos, min(to, end)-pos
			if s > 0 {
				addNode(child.withText(sliceUTF16(child.Text, 0, s)), &out)
			}
			mid := child.withText(sliceUTF16(child.Text, s, e))
			mid.Marks = fn(child.Marks)
			addNode(mid, &out)
			if e < size {
				addNode(child.withText(sliceUTF16(child.Text, e, size)), &out)
			}
		case p.isLeaf(child):
			c := *child
			if p.leaves[child.Type] {
				c.Marks = fn(child.Marks)
			}
			addNode(&c, &out)
		default:
			addNode(child.withContent(p.mapMarksIn(child.Content, pos+1, from, to, fn)), &out)
		}
		pos = end
	}
	return out
}

func (p *ProseMirror) setAttr(doc *Node, pos int, attr string, value json.RawMessage) (*Node, error) {
	var v any
	if len(value) > 0 {
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, fmt.Errorf("%w: attr value: %v", ErrInvalidStep, err)
		}
	}
	content, err := p.setAttrIn(doc.Content, pos, attr, v)
	if err != nil {
		return nil, err
	}
	return doc.withContent(content), nil
}

func (p *ProseMirror) setAttrIn(content []*Node, pos int, attr string, value any) ([]*Node, error) {
	index, offset, err := p.findIndex(content, pos)
	if err != nil {
		return nil, err
	}
	if index >= len(content) {
		return nil, fmt.Errorf("%w: no node at position", ErrInvalidStep)
	}
	child := content[index]
	if offset == pos {
		if child.isText() {
			return nil, fmt.Errorf("%w: cannot set attributes on text", ErrInvalidStep)
		}
		c := *child
		c.Attrs = make(map[string]any, len(child.Attrs)+1)
		for k, v := range child.Attrs {
			c.Attrs[k] = v
		}
		c.Attrs[attr] = value
		return replaceChild(content, index, &c), nil
	}
	if child.isText() || p.isLeaf(child) {
		return nil, fmt.Errorf("%w: no node at position", ErrInvalidStep)
	}
	inner, err := p.setAttrIn(child.Content, pos-offset-1, attr, value)
	if err != nil {
		return nil, err
	}
	return replaceChild(content, index, child.withContent(inner)), nil
}

func (n *Node) isText() bool { return n.Type == "text" }

func (n *Node) withContent(content []*Node) *Node {
	c := *n
	c.Content = content
	return &c
}

func (n *Node) withText(text string) *Node {
	c := *n
	c.Text = text
	return &c
}

func (p *ProseMirror) isLeaf(n *Node) bool {
	_, ok := p.leaves[n.Type]
	return ok
}

func (p *ProseMirror) nodeSize(n *Node) int {
	switch {
	case n.isText():
		return textLen(n.Text)
	case p.isLeaf(n):
		return 1
	default:
		return p.contentSize(n.Content) + 2
	}
}

func (p *ProseMirror) contentSize(content []*Node) int {
	size := 0
	for _, child := range content {
		size += p.nodeSize(child)
	}
	return size
}

func textLen(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// sliceUTF16 cuts s by UTF-16 offsets, the unit ProseMirror positions use.
func sliceUTF16(s string, from, to int) string {
	units := utf16.Encode([]rune(s))
	return string(utf16.Decode(units[from:to]))
}

func sameMarkup(a, b *Node) bool {
	return a.Type == b.Type && attrsEqual(a.Attrs, b.Attrs) && marksEqual(a.Marks, b.Marks)
}

func attrsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (m Mark) eq(o Mark) bool {
	return m.Type == o.Type && attrsEqual(m.Attrs, o.Attrs)
}

func marksEqual(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].eq(b[i]) {
			return false
		}
	}
	return true
}

// addToSet adds mark, replacing a mark of the same type with other attrs.
func addToSet(set []Mark, mark Mark) []Mark {
	out := make([]Mark, 0, len(set)+1)
	placed := false
	for _, m := range set {
		if m.Type == mark.Type {
			if !placed {
				out = append(out, mark)
				placed = true
			}
			continue
		}
		out = append(out, m)
	}
	if !placed {
		out = append(out, mark)
	}
	return out
}

func removeFromSet(set []Mark, mark Mark) []Mark {
	var out []Mark
	for _, m := range set {
		if !m.eq(mark) {
			out = append(out, m)
		}
	}
	return out
}
