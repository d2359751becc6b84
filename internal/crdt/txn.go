package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrIndexOutOfRange indicates that a local edit addressed a position past the end.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
	// ErrInvalidContainer indicates that a local edit targeted the wrong kind of node.
	ErrInvalidContainer = errors.New("crdt: invalid container")
)

// Ref addresses a root fragment, element, or text node inside a transaction.
type Ref struct {
	c *container
}

// ID returns the stable id of the referenced element or text node. Roots have no id.
func (ref Ref) ID() (ID, bool) {
	if ref.c == nil || ref.c.owner == nil {
		return ID{}, false
	}
	return ref.c.owner.id, true
}

// Txn groups local edits; Doc.Transact returns the update they produced.
type Txn struct {
	doc     *Doc
	start   uint64
	deletes []wireRange
}

// Transact runs fn under the document lock and returns the encoded update holding every
// local edit fn made. Edits applied before fn returns an error stay applied and are still
// part of the returned update.
func (d *Doc) Transact(fn func(tx *Txn) error) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx := &Txn{doc: d, start: d.nextClock(d.clientID)}
	fnErr := fn(tx)
	update := d.diff(StateVector{d.clientID: tx.start}, &d.clientID)
	update.Deletes = tx.deletes
	if len(update.Items) == 0 && len(update.Deletes) == 0 {
		return nil, fnErr
	}
	payload, err := encodeUpdate(update)
	if err != nil {
		return nil, err
	}
	return payload, fnErr
}

// Root returns a reference to the named root fragment, creating it if needed.
func (tx *Txn) Root(name string) Ref {
	return Ref{c: tx.doc.rootContainer(name)}
}

// Element looks up an element by id.
func (tx *Txn) Element(id ID) (Ref, bool) {
	it := tx.doc.getItem(id)
	if it == nil || it.kind != KindElement || it.inner == nil || it.id != id {
		return Ref{}, false
	}
	return Ref{c: it.inner}, true
}

// Len returns the number of visible children of a root or element, or the number of
// characters of a text node.
func (tx *Txn) Len(ref Ref) int {
	if ref.c == nil {
		return 0
	}
	total := 0
	for current := ref.c.start; current != nil; current = current.right {
		if !current.deleted {
			total += int(current.length)
		}
	}
	return total
}

// InsertElement inserts a named element at index among parent's visible children.
func (tx *Txn) InsertElement(parent Ref, index int, name string) (Ref, error) {
	if name == "" {
		return Ref{}, fmt.Errorf("%w: element without name", ErrInvalidContainer)
	}
	return tx.insertNode(parent, index, wireItem{Kind: KindElement, Name: name})
}

// InsertText inserts an empty text node at index among parent's visible children.
func (tx *Txn) InsertText(parent Ref, index int) (Ref, error) {
	return tx.insertNode(parent, index, wireItem{Kind: KindText})
}

func (tx *Txn) insertNode(parent Ref, index int, w wireItem) (Ref, error) {
	if parent.c == nil || (parent.c.owner != nil && !parent.c.isElement()) {
		return Ref{}, fmt.Errorf("%w: children require a root or element", ErrInvalidContainer)
	}
	left, err := tx.locate(parent.c, index)
	if err != nil {
		return Ref{}, err
	}
	it := tx.insertAfter(parent.c, left, w)
	return Ref{c: it.inner}, nil
}

// InsertString inserts text at a character index inside a text node.
func (tx *Txn) InsertString(text Ref, index int, value string) error {
	if text.c == nil || !text.c.isText() {
		return fmt.Errorf("%w: strings require a text node", ErrInvalidContainer)
	}
	if value == "" {
		return nil
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: string is not utf-8", ErrInvalidContainer)
	}
	left, err := tx.locate(text.c, index)
	if err != nil {
		return err
	}
	tx.insertAfter(text.c, left, wireItem{Kind: KindString, Text: value})
	return nil
}

// DeleteChild removes the visible child at index.
func (tx *Txn) DeleteChild(parent Ref, index int) error {
	if parent.c == nil || parent.c.isText() {
		return fmt.Errorf("%w: children require a root or element", ErrInvalidContainer)
	}
	return tx.deleteRange(parent.c, index, 1)
}

// DeleteString removes length characters starting at index inside a text node.
func (tx *Txn) DeleteString(text Ref, index, length int) error {
	if text.c == nil || !text.c.isText() {
		return fmt.Errorf("%w: strings require a text node", ErrInvalidContainer)
	}
	if length <= 0 {
		return nil
	}
	return tx.deleteRange(text.c, index, length)
}

// SetAttribute writes an attribute on an element, superseding every value this replica has seen.
func (tx *Txn) SetAttribute(element Ref, key, value string) error {
	return tx.writeAttribute(element, wireItem{Kind: KindAttribute, Key: key, Value: value})
}

// RemoveAttribute clears an attribute on an element.
func (tx *Txn) RemoveAttribute(element Ref, key string) error {
	return tx.writeAttribute(element, wireItem{Kind: KindAttribute, Key: key, Removed: true})
}

func (tx *Txn) writeAttribute(element Ref, w wireItem) error {
	if element.c == nil || !element.c.isElement() {
		return fmt.Errorf("%w: attributes require an element", ErrInvalidContainer)
	}
	if w.Key == "" {
		return fmt.Errorf("%w: attribute without key", ErrInvalidContainer)
	}
	if reg, ok := element.c.attrs[w.Key]; ok {
		for _, head := range reg.heads() {
			w.Supersedes = append(w.Supersedes, head.id)
		}
	}
	ownerID := element.c.owner.id
	w.ParentID = &ownerID
	w.ID = ID{Client: tx.doc.clientID, Clock: tx.doc.nextClock(tx.doc.clientID)}
	tx.doc.integrate(w)
	return nil
}

// locate returns the item after which a unit inserted at index must go, splitting a string
// run when index falls inside it. A nil item means the start of the sequence.
func (tx *Txn) locate(c *container, index int) (*item, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	if index == 0 {
		return nil, nil
	}
	remaining := uint64(index)
	for current := c.start; current != nil; current = current.right {
		if current.deleted {
			continue
		}
		if remaining <= current.length {
			if remaining < current.length {
				tx.doc.split(current, remaining)
			}
			return current, nil
		}
		remaining -= current.length
	}
	return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
}

func (tx *Txn) insertAfter(c *container, left *item, w wireItem) *item {
	var right *item
	if left != nil {
		lastID := left.lastID()
		w.Origin = &lastID
		right = left.right
	} else {
		right = c.start
	}
	if right != nil {
		rightID := right.id
		w.RightOrigin = &rightID
	}
	if c.owner == nil {
		w.ParentRoot = c.root
	} else {
		ownerID := c.owner.id
		w.ParentID = &ownerID
	}
	w.ID = ID{Client: tx.doc.clientID, Clock: tx.doc.nextClock(tx.doc.clientID)}
	return tx.doc.integrate(w)
}

func (tx *Txn) deleteRange(c *container, index, length int) error {
	if index < 0 {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	skip := uint64(index)
	remaining := uint64(length)
	for current := c.start; current != nil && remaining > 0; current = current.right {
		if current.deleted {
			continue
		}
		if skip >= current.length {
			skip -= current.length
			continue
		}
		if skip > 0 {
			current = tx.doc.split(current, skip)
			skip = 0
		}
		if remaining < current.length {
			tx.doc.split(current, remaining)
		}
		current.deleted = true
		deleted := wireRange{Client: current.id.Client, Clock: current.id.Clock, Length: current.length}
		tx.deletes = append(tx.deletes, deleted)
		tx.doc.deletes[deleted.Client] = mergeRanges(append(tx.doc.deletes[deleted.Client], deleted))
		remaining -= current.length
	}
	if remaining > 0 {
		return fmt.Errorf("%w: %d+%d", ErrIndexOutOfRange, index, length)
	}
	return nil
}
