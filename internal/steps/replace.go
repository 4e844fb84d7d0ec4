package steps

import "fmt"

type pathEntry struct {
	node   *Node
	index  int
	offset int
}

// resolvedPos locates a position in a tree: for each depth, the enclosing
// node, the child index the position falls at and the absolute offset of
// that child.
type resolvedPos struct {
	pos          int
	path         []pathEntry
	parentOffset int
}

func (p *ProseMirror) resolve(root *Node, pos int) (*resolvedPos, error) {
	if size := p.contentSize(root.Content); pos < 0 || pos > size {
		return nil, fmt.Errorf("%w: position %d outside 0-%d", ErrInvalidStep, pos, size)
	}
	var path []pathEntry
	start, parentOffset := 0, pos
	node := root
	for {
		index, offset, err := p.findIndex(node.Content, parentOffset)
		if err != nil {
			return nil, err
		}
		rem := parentOffset - offset
		path = append(path, pathEntry{node: node, index: index, offset: start + offset})
		if rem == 0 {
			break
		}
		node = node.Content[index]
		if node.isText() {
			break
		}
		parentOffset = rem - 1
		start += offset + 1
	}
	return &resolvedPos{pos: pos, path: path, parentOffset: parentOffset}, nil
}

func (r *resolvedPos) depth() int       { return len(r.path) - 1 }
func (r *resolvedPos) node(d int) *Node { return r.path[d].node }
func (r *resolvedPos) index(d int) int  { return r.path[d].index }
func (r *resolvedPos) parent() *Node    { return r.node(r.depth()) }
func (r *resolvedPos) textOffset() int  { return r.pos - r.path[len(r.path)-1].offset }

func (r *resolvedPos) start(d int) int {
	if d == 0 {
		return 0
	}
	return r.path[d-1].offset + 1
}

func (r *resolvedPos) end(p *ProseMirror, d int) int {
	return r.start(d) + p.contentSize(r.node(d).Content)
}

func (r *resolvedPos) sharedDepth(p *ProseMirror, pos int) int {
	for d := r.depth(); d > 0; d-- {
		if r.start(d) <= pos && r.end(p, d) >= pos {
			return d
		}
	}
	return 0
}

func (r *resolvedPos) nodeAfter(p *ProseMirror) *Node {
	parent := r.parent()
	index := r.index(r.depth())
	if index == len(parent.Content) {
		return nil
	}
	child := parent.Content[index]
	if off := r.textOffset(); off > 0 {
		return p.cutNode(child, off, p.nodeSize(child))
	}
	return child
}

func (r *resolvedPos) nodeBefore(p *ProseMirror) *Node {
	parent := r.parent()
	index := r.index(r.depth())
	if off := r.textOffset(); off > 0 {
		return p.cutNode(parent.Content[index], 0, off)
	}
	if index == 0 {
		return nil
	}
	return parent.Content[index-1]
}

// findIndex returns the child index at pos and that child's start offset.
// A pos on a boundary resolves to the child after it.
func (p *ProseMirror) findIndex(content []*Node, pos int) (int, int, error) {
	if pos == 0 {
		return 0, 0, nil
	}
	size := p.contentSize(content)
	if pos == size {
		return len(content), pos, nil
	}
	if pos < 0 || pos > size {
		return 0, 0, fmt.Errorf("%w: position %d outside fragment", ErrInvalidStep, pos)
	}
	cur := 0
	for i, child := range content {
		end := cur + p.nodeSize(child)
		if end >= pos {
			if end == pos {
				return i + 1, end, nil
			}
			return i, cur, nil
		}
		cur = end
	}
	return len(content), size, nil
}

func (p *ProseMirror) cutNode(n *Node, from, to int) *Node {
	if n.isText() {
		return n.withText(sliceUTF16(n.Text, from, to))
	}
	return n.withContent(p.cutFragment(n.Content, from, to))
}

func (p *ProseMirror) cutFragment(content []*Node, from, to int) []*Node {
	if from == 0 && to == p.contentSize(content) {
		return content
	}
	var out []*Node
	if to <= from {
		return out
	}
	pos := 0
	for _, child := range content {
		if pos >= to {
			break
		}
		size := p.nodeSize(child)
		end := pos + size
		if end > from {
			if pos < from || end > to {
				if child.isText() {
					child = p.cutNode(child, max(0, from-pos), min(size, to-pos))
				} else {
					inner := p.contentSize(child.Content)
					child = p.cutNode(child, max(0, from-pos-1), min(inner, to-pos-1))
				}
			}
			out = append(out, child)
		}
		pos = end
	}
	return out
}

func appendFragment(a, b []*Node) []*Node {
	out := make([]*Node, 0, len(a)+len(b))
	out = append(out, a...)
	for _, n := range b {
		addNode(n, &out)
	}
	return out
}

func replaceChild(content []*Node, index int, n *Node) []*Node {
	out := append([]*Node(nil), content...)
	out[index] = n
	return out
}

// addNode appends child, joining it onto a trailing text node with the same
// marks.
func addNode(child *Node, target *[]*Node) {
	if child.isText() && child.Text == "" {
		return
	}
	last := len(*target) - 1
	if last >= 0 && child.isText() && (*target)[last].isText() && sameMarkup(child, (*target)[last]) {
		(*target)[last] = child.withText((*target)[last].Text + child.Text)
		return
	}
	*target = append(*target, child)
}

func (p *ProseMirror) replace(from, to *resolvedPos, slice Slice) (*Node, error) {
	if slice.OpenStart > from.depth() {
		return nil, fmt.Errorf("%w: inserted content deeper than insertion position", ErrInvalidStep)
	}
	if from.depth()-slice.OpenStart != to.depth()-slice.OpenEnd {
		return nil, fmt.Errorf("%w: inconsistent open depths", ErrInvalidStep)
	}
	return p.replaceOuter(from, to, slice, 0)
}

func (p *ProseMirror) replaceOuter(from, to *resolvedPos, slice Slice, depth int) (*Node, error) {
	index, node := from.index(depth), from.node(depth)
	switch {
	case index == to.index(depth) && depth < from.depth()-slice.OpenStart:
		inner, err := p.replaceOuter(from, to, slice, depth+1)
		if err != nil {
			return nil, err
		}
		return node.withContent(replaceChild(node.Content, index, inner)), nil
	case p.contentSize(slice.Content) == 0:
		return node.withContent(p.replaceTwoWay(from, to, depth)), nil
	case slice.OpenStart == 0 && slice.OpenEnd == 0 && from.depth() == depth && to.depth() == depth:
		parent := from.parent()
		before := p.cutFragment(parent.Content, 0, from.parentOffset)
		after := p.cutFragment(parent.Content, to.parentOffset, p.contentSize(parent.Content))
		return parent.withContent(appendFragment(appendFragment(before, slice.Content), after)), nil
	default:
		start, end, err := p.prepareSliceForReplace(slice, from)
		if err != nil {
			return nil, err
		}
		return node.withContent(p.replaceThreeWay(from, start, end, to, depth)), nil
	}
}

// addRange copies the children of the node at depth that lie between start
// and end. A nil start means from the beginning, a nil end means to the end.
func (p *ProseMirror) addRange(start, end *resolvedPos, depth int, target *[]*Node) {
	var node *Node
	if end != nil {
		node = end.node(depth)
	} else {
		node = start.node(depth)
	}
	startIndex, endIndex := 0, len(node.Content)
	if end != nil {
		endIndex = end.index(depth)
	}
	if start != nil {
		startIndex = start.index(depth)
		if start.depth() > depth {
			startIndex++
		} else if start.textOffset() > 0 {
			addNode(start.nodeAfter(p), target)
			startIndex++
		}
	}
	for i := startIndex; i < endIndex; i++ {
		addNode(node.Content[i], target)
	}
	if end != nil && end.depth() == depth && end.textOffset() > 0 {
		addNode(end.nodeBefore(p), target)
	}
}

func (p *ProseMirror) replaceThreeWay(from, start, end, to *resolvedPos, depth int) []*Node {
	var openStart, openEnd *Node
	if from.depth() > depth {
		openStart = from.node(depth + 1)
	}
	if to.depth() > depth {
		openEnd = end.node(depth + 1)
	}

	var content []*Node
	p.addRange(nil, from, depth, &content)
	if openStart != nil && openEnd != nil && start.index(depth) == end.index(depth) {
		addNode(openStart.withContent(p.replaceThreeWay(from, start, end, to, depth+1)), &content)
	} else {
		if openStart != nil {
			addNode(openStart.withContent(p.replaceTwoWay(from, start, depth+1)), &content)
		}
		p.addRange(start, end, depth, &content)
		if openEnd != nil {
			addNode(openEnd.withContent(p.replaceTwoWay(end, to, depth+1)), &content)
		}
	}
	p.addRange(to, nil, depth, &content)
	return content
}

func (p *ProseMirror) replaceTwoWay(from, to *resolvedPos, depth int) []*Node {
	var content []*Node
	p.addRange(nil, from, depth, &content)
	if from.depth() > depth {
		joined := from.node(depth + 1)
		addNode(joined.withContent(p.replaceTwoWay(from, to, depth+1)), &content)
	}
	p.addRange(to, nil, depth, &content)
	return content
}

// prepareSliceForReplace wraps the slice in copies of the nodes enclosing
// along so both its open ends can be resolved like document positions.
func (p *ProseMirror) prepareSliceForReplace(slice Slice, along *resolvedPos) (*resolvedPos, *resolvedPos, error) {
	extra := along.depth() - slice.OpenStart
	node := along.node(extra).withContent(slice.Content)
	for i := extra - 1; i >= 0; i-- {
		node = along.node(i).withContent([]*Node{node})
	}
	start, err := p.resolve(node, slice.OpenStart+extra)
	if err != nil {
		return nil, nil, err
	}
	end, err := p.resolve(node, p.contentSize(node.Content)-slice.OpenEnd-extra)
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}
