package automation

import "strings"

// Heuristics are the pattern tables used to find nodes. Every entry is
// matched case-insensitively as a substring unless noted.
type Heuristics struct {
	InputClasses     []string `yaml:"input_classes"`
	InputIDFragments []string `yaml:"input_id_fragments"`
	InputHints       []string `yaml:"input_hints"`
	SendIDFragments  []string `yaml:"send_id_fragments"`
	// SendLabels are accessible labels for "send", compared to the whole
	// text or description.
	SendLabels      []string `yaml:"send_labels"`
	SendGlyphs      []string `yaml:"send_glyphs"`
	ChatHeadMarkers []string `yaml:"chat_head_markers"`
}

// DefaultHeuristics returns the built-in tables.
func DefaultHeuristics() Heuristics {
	return Heuristics{
		InputClasses:     []string{"edittext", "textfield", "textinput", "composer"},
		InputIDFragments: []string{"compose", "message_input", "edit_text", "text_input", "composer", "entry", "input"},
		InputHints: []string{
			"aa", "message", "type a message", "write a message",
			"mensagem", "escreva", "digite", "mensaje", "escribe",
			"message…", "nachricht", "messaggio", "сообщение",
		},
		SendIDFragments: []string{"send", "composer_send", "submit"},
		SendLabels: []string{
			"send", "send message", "enviar", "enviar mensagem", "enviar mensaje",
			"envoyer", "senden", "invia", "отправить", "发送", "送信",
		},
		SendGlyphs:      []string{"➤", "➢", "▶", "⮞", "↑"},
		ChatHeadMarkers: []string{"chat head", "chathead", "bubble", "balão", "burbuja", "floating"},
	}
}

// index is a preorder list of the tree with parent links. Each node is
// visited once even if the snapshot repeats a pointer.
type index struct {
	nodes  []*Node
	parent map[*Node]*Node
}

func buildIndex(root *Node) *index {
	ix := &index{parent: make(map[*Node]*Node)}
	if root == nil {
		return ix
	}
	visited := make(map[*Node]struct{})
	var walk func(n, p *Node)
	walk = func(n, p *Node) {
		if n == nil {
			return
		}
		if _, seen := visited[n]; seen {
			return
		}
		visited[n] = struct{}{}
		ix.nodes = append(ix.nodes, n)
		if p != nil {
			ix.parent[n] = p
		}
		for _, c := range n.Children {
			walk(c, n)
		}
	}
	walk(root, nil)
	return ix
}

func (ix *index) first(match func(*Node) bool) *Node {
	for _, n := range ix.nodes {
		if match(n) {
			return n
		}
	}
	return nil
}

// clickableSelfOrAncestor returns n or its nearest clickable ancestor.
func (ix *index) clickableSelfOrAncestor(n *Node) *Node {
	for cur := n; cur != nil; cur = ix.parent[cur] {
		if cur.Clickable {
			return cur
		}
	}
	return nil
}

func containsAny(s string, subs []string) bool {
	if s == "" {
		return false
	}
	s = strings.ToLower(s)
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

func equalsAny(s string, opts []string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, o := range opts {
		if strings.EqualFold(s, o) {
			return true
		}
	}
	return false
}

// FindInput returns the editable message field of root, nil if none.
func (h Heuristics) FindInput(root *Node) *Node {
	return h.findInput(buildIndex(root))
}

func (h Heuristics) findInput(ix *index) *Node {
	passes := []func(*Node) bool{
		func(n *Node) bool { return n.Editable && containsAny(n.Class, h.InputClasses) },
		func(n *Node) bool { return n.Editable && containsAny(n.ResourceID, h.InputIDFragments) },
		func(n *Node) bool {
			return n.Editable && (containsAny(n.Hint, h.InputHints) || containsAny(n.Description, h.InputHints))
		},
		func(n *Node) bool { return n.Editable && n.Focusable },
		func(n *Node) bool { return n.Editable },
	}
	for _, match := range passes {
		if n := ix.first(match); n != nil {
			return n
		}
	}
	return nil
}

// FindSend returns the clickable send control of root, nil if none. input
// is the message field found earlier and may be nil.
func (h Heuristics) FindSend(root, input *Node) *Node {
	ix := buildIndex(root)
	passes := []func(*Node) bool{
		func(n *Node) bool { return containsAny(n.ResourceID, h.SendIDFragments) },
		func(n *Node) bool { return equalsAny(n.Description, h.SendLabels) || equalsAny(n.Text, h.SendLabels) },
		func(n *Node) bool { return equalsAny(n.Text, h.SendGlyphs) },
	}
	for _, match := range passes {
		for _, n := range ix.nodes {
			if n.Editable || !match(n) {
				continue
			}
			if c := ix.clickableSelfOrAncestor(n); c != nil {
				return c
			}
		}
	}

	// Last resort: the first clickable sibling after the input.
	if input == nil {
		return nil
	}
	var in *Node
	for _, n := range ix.nodes {
		if n.ID == input.ID && n.ID != "" {
			in = n
			break
		}
	}
	p := ix.parent[in]
	if in == nil || p == nil {
		return nil
	}
	after := false
	for _, c := range p.Children {
		if c == in {
			after = true
			continue
		}
		if after && c.Clickable && !c.Editable {
			return c
		}
	}
	return nil
}

// FindConversation returns a clickable list entry naming displayName that
// is not a chat-head surface.
func (h Heuristics) FindConversation(root *Node, displayName string) *Node {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil
	}
	ix := buildIndex(root)
	for _, n := range ix.nodes {
		if n.Editable {
			continue
		}
		if !containsAny(n.Text, []string{name}) && !containsAny(n.Description, []string{name}) {
			continue
		}
		if h.IsChatHead(n.Text) || h.IsChatHead(n.Description) || h.IsChatHead(n.ResourceID) {
			continue
		}
		c := ix.clickableSelfOrAncestor(n)
		if c == nil || h.IsChatHead(c.Description) || h.IsChatHead(c.ResourceID) {
			continue
		}
		return c
	}
	return nil
}

// IsChatHead reports whether s names a chat-head or bubble surface.
func (h Heuristics) IsChatHead(s string) bool {
	return containsAny(s, h.ChatHeadMarkers)
}
