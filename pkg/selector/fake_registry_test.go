package selector

import (
	"context"
	"fmt"
	"strings"
)

// fakeNode 极简的 DOM 节点，用于替代真实页面
type fakeNode struct {
	id       int64
	tag      string
	class    string
	text     string
	value    string
	visible  Visibility
	parent   *fakeNode
	children []*fakeNode
}

func (n *fakeNode) add(children ...*fakeNode) *fakeNode {
	for _, c := range children {
		c.parent = n
		n.children = append(n.children, c)
	}
	return n
}

func (n *fakeNode) innerText() string {
	var b strings.Builder
	b.WriteString(n.text)
	for _, c := range n.children {
		b.WriteString(c.innerText())
	}
	return b.String()
}

func (n *fakeNode) matches(css string) bool {
	if strings.HasPrefix(css, ".") {
		return n.class == css[1:]
	}
	return n.tag == css
}

func (n *fakeNode) descendants(out []*fakeNode) []*fakeNode {
	for _, c := range n.children {
		out = append(out, c)
		out = c.descendants(out)
	}
	return out
}

type fakeRegistry struct {
	root    *fakeNode
	nodes   map[int64]*fakeNode
	queries int
	calls   int
}

func newFakeRegistry(root *fakeNode) *fakeRegistry {
	r := &fakeRegistry{root: root, nodes: map[int64]*fakeNode{}}
	r.index(root)
	return r
}

func (r *fakeRegistry) index(n *fakeNode) {
	r.nodes[n.id] = n
	for _, c := range n.children {
		r.index(c)
	}
}

// handle 每次都生成新的 ObjectID，模拟 CDP 远程对象
func (r *fakeRegistry) handle(n *fakeNode) Handle {
	r.calls++
	return Handle{ObjectID: fmt.Sprintf("obj-%d-%d", n.id, r.calls), NodeID: n.id}
}

func (r *fakeRegistry) QueryAll(_ context.Context, css string) (HandleSet, error) {
	r.queries++
	out := HandleSet{}
	for _, n := range r.root.descendants(nil) {
		if n.matches(css) {
			out = append(out, r.handle(n))
		}
	}
	return out, nil
}

func (r *fakeRegistry) QueryAllFrom(_ context.Context, css string, handles HandleSet) (HandleSet, error) {
	out := HandleSet{}
	for _, h := range handles {
		for _, n := range r.nodes[h.NodeID].descendants(nil) {
			if n.matches(css) {
				out = append(out, r.handle(n))
			}
		}
	}
	return out, nil
}

func (r *fakeRegistry) WithText(_ context.Context, text string, handles HandleSet) (HandleSet, error) {
	out := HandleSet{}
	for _, h := range handles {
		if strings.Contains(r.nodes[h.NodeID].innerText(), text) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *fakeRegistry) WithValue(_ context.Context, text string, handles HandleSet) (HandleSet, error) {
	out := HandleSet{}
	for _, h := range handles {
		if strings.Contains(r.nodes[h.NodeID].value, text) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *fakeRegistry) Parents(_ context.Context, handles HandleSet) (HandleSet, error) {
	out := HandleSet{}
	for _, h := range handles {
		if p := r.nodes[h.NodeID].parent; p != nil {
			out = append(out, r.handle(p))
		}
	}
	return out, nil
}

func (r *fakeRegistry) Visibility(_ context.Context, h *Handle) (Visibility, error) {
	if h == nil {
		return Hidden, nil
	}
	return r.nodes[h.NodeID].visible, nil
}

// samplePage
//
//	body
//	  ul.list
//	    li "Apple"   (visible)
//	    li "Banana"  (moving)
//	    li "Cherry"  (hidden)
//	  form
//	    input value="foo@bar.com"
//	    input value="secret"
func samplePage() *fakeRegistry {
	root := &fakeNode{id: 1, tag: "body"}
	list := &fakeNode{id: 2, tag: "ul", class: "list"}
	list.add(
		&fakeNode{id: 3, tag: "li", text: "Apple", visible: Visible},
		&fakeNode{id: 4, tag: "li", text: "Banana", visible: Moving},
		&fakeNode{id: 5, tag: "li", text: "Cherry", visible: Hidden},
	)
	form := &fakeNode{id: 6, tag: "form", visible: Visible}
	form.add(
		&fakeNode{id: 7, tag: "input", value: "foo@bar.com", visible: Visible},
		&fakeNode{id: 8, tag: "input", value: "secret", visible: Visible},
	)
	root.add(list, form)
	return newFakeRegistry(root)
}
