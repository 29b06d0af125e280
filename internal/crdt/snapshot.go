package crdt

import "encoding/json"

// SnapshotNode is a node in the canonical stored document tree. The shape
// follows the editor's JSON content model: a "doc" root whose children are
// paragraph and heading blocks holding text nodes.
type SnapshotNode struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []SnapshotNode `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
}

// EmptySnapshot reports whether a stored tree carries no blocks, in which
// case hydration has nothing to seed.
func EmptySnapshot(n SnapshotNode) bool {
	return n.Type == "" || len(n.Content) == 0
}

// ParseSnapshot decodes a stored content column into a tree.
func ParseSnapshot(raw []byte) (SnapshotNode, error) {
	var node SnapshotNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return SnapshotNode{}, err
	}
	return node, nil
}

// Snapshot converts the replica's current visible state to the canonical
// tree. Converting the same state twice yields equal trees.
func (d *Doc) Snapshot() SnapshotNode {
	root := SnapshotNode{Type: "doc"}
	for _, blk := range d.Blocks() {
		node := SnapshotNode{Type: string(blk.Kind)}
		if blk.Kind == BlockHeading {
			node.Attrs = map[string]any{"level": blk.Level}
		}
		if blk.Text != "" {
			node.Content = []SnapshotNode{{Type: "text", Text: blk.Text}}
		}
		root.Content = append(root.Content, node)
	}
	return root
}

// Seed loads a stored tree into an empty replica and returns the generated
// ops so they can be relayed like any other edit. Unknown block types fall
// back to paragraphs; text is the concatenation of the node's text children.
func (d *Doc) Seed(snapshot SnapshotNode) ([]Op, error) {
	var ops []Op
	for i, child := range snapshot.Content {
		kind := BlockParagraph
		level := 0
		if BlockKind(child.Type) == BlockHeading {
			kind = BlockHeading
			level = 1
			if raw, ok := child.Attrs["level"]; ok {
				if f, ok := raw.(float64); ok {
					level = int(f)
				}
			}
		}
		blockOp, err := d.InsertBlock(i, kind, level)
		if err != nil {
			return nil, err
		}
		ops = append(ops, blockOp)

		text := collectText(child)
		if text == "" {
			continue
		}
		textOp, err := d.InsertText(blockOp.BlockID, 0, text)
		if err != nil {
			return nil, err
		}
		ops = append(ops, textOp)
	}
	return ops, nil
}

func collectText(node SnapshotNode) string {
	text := ""
	for _, child := range node.Content {
		if child.Type == "text" {
			text += child.Text
			continue
		}
		text += collectText(child)
	}
	return text
}
