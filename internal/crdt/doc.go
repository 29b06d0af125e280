package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type OpKind string

const (
	OpBlockInsert OpKind = "block_insert"
	OpBlockDelete OpKind = "block_delete"
	OpBlockSet    OpKind = "block_set"
	OpTextInsert  OpKind = "text_insert"
	OpTextDelete  OpKind = "text_delete"
)

type BlockKind string

const (
	BlockParagraph BlockKind = "paragraph"
	BlockHeading   BlockKind = "heading"
)

// Op is one replicated edit. Ops are immutable once created and may be
// applied any number of times on any replica with the same result.
type Op struct {
	ID      uuid.UUID     `json:"id"`
	Node    NodeID        `json:"node"`
	Clock   VectorClock   `json:"clock"`
	Time    time.Time     `json:"time"`
	Kind    OpKind        `json:"kind"`
	BlockID uuid.UUID     `json:"blockId"`
	Block   *BlockPayload `json:"block,omitempty"`
	Chars   []CharPayload `json:"chars,omitempty"`
	Targets []uuid.UUID   `json:"targets,omitempty"`
}

// BlockPayload carries block placement and formatting for block ops.
type BlockPayload struct {
	Pos   float64   `json:"pos"`
	Kind  BlockKind `json:"kind"`
	Level int       `json:"level,omitempty"`
}

// CharPayload is one inserted character. Position and identity travel with
// the op so every replica places and deletes the exact same character.
type CharPayload struct {
	ID   uuid.UUID `json:"id"`
	Pos  float64   `json:"pos"`
	Rune rune      `json:"rune"`
}

var (
	ErrUnknownBlock = errors.New("unknown block")
	ErrOutOfBounds  = errors.New("position out of bounds")
)

type charNode struct {
	id      uuid.UUID
	pos     float64
	r       rune
	deleted bool
}

type blockNode struct {
	id       uuid.UUID
	pos      float64
	kind     BlockKind
	level    int
	kindTime time.Time
	kindNode NodeID
	deleted  bool
	chars    map[uuid.UUID]*charNode
}

// Doc is one replica of the shared document. All methods are safe for
// concurrent use; local mutators return the op to relay to other replicas.
type Doc struct {
	mu     sync.RWMutex
	node   NodeID
	clock  VectorClock
	ops    map[uuid.UUID]Op
	blocks map[uuid.UUID]*blockNode
}

func NewDoc(node NodeID) *Doc {
	return &Doc{
		node:   node,
		clock:  NewVectorClock(),
		ops:    make(map[uuid.UUID]Op),
		blocks: make(map[uuid.UUID]*blockNode),
	}
}

// Empty reports whether the replica has never held any block. The session
// manager uses this as the hydration guard: seeding is allowed only while
// the document is still structurally empty.
func (d *Doc) Empty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.blocks) == 0
}

func (d *Doc) newOp(kind OpKind, blockID uuid.UUID) Op {
	d.clock.Increment(d.node)
	return Op{
		ID:      uuid.New(),
		Node:    d.node,
		Clock:   d.clock.Clone(),
		Time:    time.Now().UTC(),
		Kind:    kind,
		BlockID: blockID,
	}
}

// InsertBlock creates a block at the given visible index.
func (d *Doc) InsertBlock(index int, kind BlockKind, level int) (Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleBlocks()
	if index < 0 || index > len(visible) {
		return Op{}, fmt.Errorf("block index %d: %w", index, ErrOutOfBounds)
	}
	pos := singlePositionAt(blockPositions(visible), index)

	op := d.newOp(OpBlockInsert, uuid.New())
	op.Block = &BlockPayload{Pos: pos, Kind: kind, Level: level}
	d.applyLocked(op)
	return op, nil
}

// DeleteBlock tombstones a block and everything in it.
func (d *Doc) DeleteBlock(blockID uuid.UUID) (Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.blocks[blockID]; !ok {
		return Op{}, ErrUnknownBlock
	}
	op := d.newOp(OpBlockDelete, blockID)
	d.applyLocked(op)
	return op, nil
}

// SetBlockKind changes a block's formatting. Concurrent changes resolve
// last-writer-wins by (timestamp, node).
func (d *Doc) SetBlockKind(blockID uuid.UUID, kind BlockKind, level int) (Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.blocks[blockID]; !ok {
		return Op{}, ErrUnknownBlock
	}
	op := d.newOp(OpBlockSet, blockID)
	op.Block = &BlockPayload{Kind: kind, Level: level}
	d.applyLocked(op)
	return op, nil
}

// InsertText inserts text inside a block at the given visible rune index.
func (d *Doc) InsertText(blockID uuid.UUID, index int, text string) (Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	blk, ok := d.blocks[blockID]
	if !ok {
		return Op{}, ErrUnknownBlock
	}
	visible := visibleChars(blk)
	if index < 0 || index > len(visible) {
		return Op{}, fmt.Errorf("text index %d: %w", index, ErrOutOfBounds)
	}

	runes := []rune(text)
	positions := positionsAt(charPositions(visible), index, len(runes))
	op := d.newOp(OpTextInsert, blockID)
	op.Chars = make([]CharPayload, len(runes))
	for i, r := range runes {
		op.Chars[i] = CharPayload{ID: uuid.New(), Pos: positions[i], Rune: r}
	}
	d.applyLocked(op)
	return op, nil
}

// DeleteText tombstones length runes starting at the given visible index.
// The op records the character IDs, not the indices, so replicas that have
// already shifted positions still delete the same characters.
func (d *Doc) DeleteText(blockID uuid.UUID, index, length int) (Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	blk, ok := d.blocks[blockID]
	if !ok {
		return Op{}, ErrUnknownBlock
	}
	visible := visibleChars(blk)
	if index < 0 || index >= len(visible) || length < 1 {
		return Op{}, fmt.Errorf("delete at %d len %d: %w", index, length, ErrOutOfBounds)
	}
	end := index + length
	if end > len(visible) {
		end = len(visible)
	}

	op := d.newOp(OpTextDelete, blockID)
	for _, c := range visible[index:end] {
		op.Targets = append(op.Targets, c.id)
	}
	d.applyLocked(op)
	return op, nil
}

// Apply integrates a remote op. Already-seen ops are a no-op.
func (d *Doc) Apply(op Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyRemoteLocked(op)
}

// ApplyAll integrates a batch, applying block creations first so that text
// ops never land before their block regardless of slice order. It returns
// the ops that were integrated, in batch order, so callers relaying the
// batch can drop rejected ops; the error is the first rejection.
func (d *Doc) ApplyAll(ops []Op) ([]Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	rejected := make(map[uuid.UUID]bool)
	for _, op := range ops {
		if op.Kind != OpBlockInsert {
			continue
		}
		if err := d.applyRemoteLocked(op); err != nil {
			rejected[op.ID] = true
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, op := range ops {
		if op.Kind == OpBlockInsert {
			continue
		}
		if err := d.applyRemoteLocked(op); err != nil {
			rejected[op.ID] = true
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(rejected) == 0 {
		return ops, firstErr
	}
	applied := make([]Op, 0, len(ops)-len(rejected))
	for _, op := range ops {
		if !rejected[op.ID] {
			applied = append(applied, op)
		}
	}
	return applied, firstErr
}

func (d *Doc) applyRemoteLocked(op Op) error {
	if _, seen := d.ops[op.ID]; seen {
		return nil
	}
	d.clock.Merge(op.Clock)
	return d.applyLocked(op)
}

func (d *Doc) applyLocked(op Op) error {
	switch op.Kind {
	case OpBlockInsert:
		if _, exists := d.blocks[op.BlockID]; !exists {
			d.blocks[op.BlockID] = &blockNode{
				id:       op.BlockID,
				pos:      op.Block.Pos,
				kind:     op.Block.Kind,
				level:    op.Block.Level,
				kindTime: op.Time,
				kindNode: op.Node,
				chars:    make(map[uuid.UUID]*charNode),
			}
		}
	case OpBlockDelete:
		if blk, ok := d.blocks[op.BlockID]; ok {
			blk.deleted = true
		}
	case OpBlockSet:
		blk, ok := d.blocks[op.BlockID]
		if !ok {
			return ErrUnknownBlock
		}
		if op.Time.After(blk.kindTime) || (op.Time.Equal(blk.kindTime) && op.Node > blk.kindNode) {
			blk.kind = op.Block.Kind
			blk.level = op.Block.Level
			blk.kindTime = op.Time
			blk.kindNode = op.Node
		}
	case OpTextInsert:
		blk, ok := d.blocks[op.BlockID]
		if !ok {
			return ErrUnknownBlock
		}
		for _, c := range op.Chars {
			if _, exists := blk.chars[c.ID]; !exists {
				blk.chars[c.ID] = &charNode{id: c.ID, pos: c.Pos, r: c.Rune}
			}
		}
	case OpTextDelete:
		blk, ok := d.blocks[op.BlockID]
		if !ok {
			return ErrUnknownBlock
		}
		for _, id := range op.Targets {
			if c, exists := blk.chars[id]; exists {
				c.deleted = true
			}
		}
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	d.ops[op.ID] = op
	return nil
}

// Ops returns the full operation log in a deterministic order, suitable for
// initial sync of a newly joined replica.
func (d *Doc) Ops() []Op {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ops := make([]Op, 0, len(d.ops))
	for _, op := range d.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].Time.Equal(ops[j].Time) {
			return ops[i].Time.Before(ops[j].Time)
		}
		return ops[i].ID.String() < ops[j].ID.String()
	})
	return ops
}

// BlockView is a rendered block for editor surfaces and snapshots.
type BlockView struct {
	ID    uuid.UUID
	Kind  BlockKind
	Level int
	Text  string
}

// Blocks renders the visible blocks in document order.
func (d *Doc) Blocks() []BlockView {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var views []BlockView
	for _, blk := range d.visibleBlocks() {
		chars := visibleChars(blk)
		runes := make([]rune, len(chars))
		for i, c := range chars {
			runes[i] = c.r
		}
		views = append(views, BlockView{ID: blk.id, Kind: blk.kind, Level: blk.level, Text: string(runes)})
	}
	return views
}

// Text renders the whole document as plain text, one line per block.
func (d *Doc) Text() string {
	views := d.Blocks()
	out := ""
	for i, v := range views {
		if i > 0 {
			out += "\n"
		}
		out += v.Text
	}
	return out
}

func (d *Doc) visibleBlocks() []*blockNode {
	blocks := make([]*blockNode, 0, len(d.blocks))
	for _, blk := range d.blocks {
		if !blk.deleted {
			blocks = append(blocks, blk)
		}
	}
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].pos != blocks[j].pos {
			return blocks[i].pos < blocks[j].pos
		}
		return blocks[i].id.String() < blocks[j].id.String()
	})
	return blocks
}

func visibleChars(blk *blockNode) []*charNode {
	chars := make([]*charNode, 0, len(blk.chars))
	for _, c := range blk.chars {
		if !c.deleted {
			chars = append(chars, c)
		}
	}
	sort.Slice(chars, func(i, j int) bool {
		if chars[i].pos != chars[j].pos {
			return chars[i].pos < chars[j].pos
		}
		return chars[i].id.String() < chars[j].id.String()
	})
	return chars
}

func blockPositions(blocks []*blockNode) []float64 {
	out := make([]float64, len(blocks))
	for i, b := range blocks {
		out[i] = b.pos
	}
	return out
}

func charPositions(chars []*charNode) []float64 {
	out := make([]float64, len(chars))
	for i, c := range chars {
		out[i] = c.pos
	}
	return out
}

// positionsAt yields n fractional positions for an insertion at index,
// strictly between the neighbours' positions.
func positionsAt(existing []float64, index, n int) []float64 {
	out := make([]float64, n)
	switch {
	case index >= len(existing):
		base := 0.0
		if len(existing) > 0 {
			base = existing[len(existing)-1]
		}
		for i := range out {
			out[i] = base + float64(i+1)
		}
	default:
		prev := 0.0
		if index > 0 {
			prev = existing[index-1]
		} else {
			prev = existing[index] - float64(n) - 1
		}
		next := existing[index]
		step := (next - prev) / float64(n+1)
		for i := range out {
			out[i] = prev + step*float64(i+1)
		}
	}
	return out
}

func singlePositionAt(existing []float64, index int) float64 {
	return positionsAt(existing, index, 1)[0]
}
