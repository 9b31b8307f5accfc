package lumen

import "encoding/binary"

const (
	nodeHeaderSize = 24

	nodeBodyOffset = pagePreludeSize + nodeHeaderSize

	// nodeCapacity is the most bytes a node body can occupy.
	nodeCapacity = PageSize - nodeBodyOffset

	nodeTypeInternal uint8 = 0
	nodeTypeLeaf     uint8 = 1
)

// treeNode is the decoded form of a B+Tree page. The node section sits
// directly after the page prelude:
//
//	{node_type u8, level u8, key_count u16, parent u32, next u32,
//	 prev u32, free_space u32, reserved u32}
//
// followed by the body: a leaf packs key_count (key, value) pairs in
// ascending key order; an internal node packs key_count keys then
// key_count+1 child page IDs.
type treeNode struct {
	id     PageID
	isLeaf bool
	level  uint8
	parent PageID
	next   PageID
	prev   PageID

	keys     []Value
	values   []Value  // leaves only
	children []PageID // internal nodes only
}

func (n *treeNode) bodySize() int {
	size := 0
	for _, k := range n.keys {
		size += k.SerializedSize()
	}
	if n.isLeaf {
		for _, v := range n.values {
			size += v.SerializedSize()
		}
	} else {
		size += 4 * len(n.children)
	}
	return size
}

// decodeNode reads the node section out of a pinned page. All payloads
// are copied; the node stays valid after the pin is released.
func decodeNode(p *Page) (*treeNode, error) {
	buf := p.buf[:]
	typ := buf[pagePreludeSize]
	if typ != nodeTypeInternal && typ != nodeTypeLeaf {
		return nil, corruption("page %d: unknown node type %d", p.ID(), typ)
	}
	isLeaf := typ == nodeTypeLeaf
	if isLeaf && p.Type() != PageTypeBTreeLeaf || !isLeaf && p.Type() != PageTypeBTreeInternal {
		return nil, corruption("page %d: node type %d disagrees with page type %d", p.ID(), typ, p.Type())
	}

	n := &treeNode{
		id:     p.ID(),
		isLeaf: isLeaf,
		level:  buf[pagePreludeSize+1],
		parent: PageID(binary.LittleEndian.Uint32(buf[pagePreludeSize+4:])),
		next:   PageID(binary.LittleEndian.Uint32(buf[pagePreludeSize+8:])),
		prev:   PageID(binary.LittleEndian.Uint32(buf[pagePreludeSize+12:])),
	}
	keyCount := int(binary.LittleEndian.Uint16(buf[pagePreludeSize+2:]))

	cursor := nodeBodyOffset
	n.keys = make([]Value, 0, keyCount)
	if isLeaf {
		n.values = make([]Value, 0, keyCount)
		for i := 0; i < keyCount; i++ {
			k, err := DeserializeValue(buf, &cursor)
			if err != nil {
				return nil, err
			}
			v, err := DeserializeValue(buf, &cursor)
			if err != nil {
				return nil, err
			}
			n.keys = append(n.keys, k)
			n.values = append(n.values, v)
		}
	} else {
		for i := 0; i < keyCount; i++ {
			k, err := DeserializeValue(buf, &cursor)
			if err != nil {
				return nil, err
			}
			n.keys = append(n.keys, k)
		}
		n.children = make([]PageID, 0, keyCount+1)
		for i := 0; i <= keyCount; i++ {
			if cursor+4 > PageSize {
				return nil, corruption("page %d: truncated child pointers", p.ID())
			}
			n.children = append(n.children, PageID(binary.LittleEndian.Uint32(buf[cursor:])))
			cursor += 4
		}
	}
	return n, nil
}

// encodeNode writes the node section into a pinned page and marks it
// dirty. Checksums are refreshed when the page reaches the backend.
func (n *treeNode) encodeNode(p *Page) error {
	body := n.bodySize()
	if body > nodeCapacity {
		return newError(CodeOutOfRange, "node %d body of %d bytes exceeds page capacity %d", n.id, body, nodeCapacity)
	}
	if !n.isLeaf && len(n.children) != len(n.keys)+1 {
		return internalErr("node %d has %d keys but %d children", n.id, len(n.keys), len(n.children))
	}

	buf := p.buf[:]
	clear(buf[pagePreludeSize:])

	if n.isLeaf {
		p.SetType(PageTypeBTreeLeaf)
		buf[pagePreludeSize] = nodeTypeLeaf
	} else {
		p.SetType(PageTypeBTreeInternal)
		buf[pagePreludeSize] = nodeTypeInternal
	}
	buf[pagePreludeSize+1] = n.level
	binary.LittleEndian.PutUint16(buf[pagePreludeSize+2:], uint16(len(n.keys)))
	binary.LittleEndian.PutUint32(buf[pagePreludeSize+4:], uint32(n.parent))
	binary.LittleEndian.PutUint32(buf[pagePreludeSize+8:], uint32(n.next))
	binary.LittleEndian.PutUint32(buf[pagePreludeSize+12:], uint32(n.prev))
	binary.LittleEndian.PutUint32(buf[pagePreludeSize+16:], uint32(nodeCapacity-body))
	p.setPreludeFreeSpace(uint16(nodeCapacity - body))

	cursor := nodeBodyOffset
	if n.isLeaf {
		for i := range n.keys {
			if err := n.keys[i].Serialize(buf, &cursor); err != nil {
				return err
			}
			if err := n.values[i].Serialize(buf, &cursor); err != nil {
				return err
			}
		}
	} else {
		for i := range n.keys {
			if err := n.keys[i].Serialize(buf, &cursor); err != nil {
				return err
			}
		}
		for _, c := range n.children {
			binary.LittleEndian.PutUint32(buf[cursor:], uint32(c))
			cursor += 4
		}
	}
	p.MarkDirty()
	return nil
}
