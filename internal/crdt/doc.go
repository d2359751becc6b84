// Package crdt implements a tree-shaped conflict-free replicated document: named root
// fragments hold elements, elements hold attributes, elements and text nodes, and text nodes
// hold character runs. Concurrent inserts are ordered with the YATA rule, so replicas that
// received the same updates in any order materialize the same tree.
package crdt

import (
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
)

type item struct {
	id          ID
	length      uint64
	kind        Kind
	origin      *ID
	rightOrigin *ID
	parentRoot  string
	parentID    *ID
	parent      *container
	left        *item
	right       *item
	deleted     bool
	name        string
	runes       []rune
	key         string
	value       string
	removed     bool
	supersedes  []ID
	inner       *container
}

func (it *item) lastID() ID {
	return ID{Client: it.id.Client, Clock: it.id.Clock + it.length - 1}
}

func (it *item) wire() wireItem {
	supersedes := append([]ID(nil), it.supersedes...)
	return wireItem{
		ID:          it.id,
		Kind:        it.kind,
		Origin:      copyID(it.origin),
		RightOrigin: copyID(it.rightOrigin),
		ParentRoot:  it.parentRoot,
		ParentID:    copyID(it.parentID),
		Name:        it.name,
		Text:        string(it.runes),
		Key:         it.key,
		Value:       it.value,
		Removed:     it.removed,
		Supersedes:  supersedes,
	}
}

type container struct {
	root  string
	owner *item
	start *item
	attrs map[string]*register
}

func (c *container) isElement() bool {
	return c.owner != nil && c.owner.kind == KindElement
}

func (c *container) isText() bool {
	return c.owner != nil && c.owner.kind == KindText
}

type register struct {
	writes     []*item
	superseded map[ID]struct{}
}

func (r *register) heads() []*item {
	heads := make([]*item, 0, len(r.writes))
	for _, write := range r.writes {
		if _, gone := r.superseded[write.id]; gone {
			continue
		}
		heads = append(heads, write)
	}
	return heads
}

func (r *register) winner() *item {
	var best *item
	for _, head := range r.heads() {
		if best == nil ||
			head.id.Client > best.id.Client ||
			(head.id.Client == best.id.Client && head.id.Clock > best.id.Clock) {
			best = head
		}
	}
	return best
}

// Doc is one replica of a replicated document. All methods are safe for concurrent use;
// merges and local transactions on the same Doc are serialized.
type Doc struct {
	mu       sync.Mutex
	clientID uint64
	clients  map[uint64][]*item
	roots    map[string]*container
	deletes  map[uint64][]wireRange
	pending  map[uint64][]wireItem
}

// New returns an empty document with a random client id.
func New() *Doc {
	return NewWithClientID(rand.Uint64())
}

// NewWithClientID returns an empty document that issues local edits under clientID.
func NewWithClientID(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		clients:  make(map[uint64][]*item),
		roots:    make(map[string]*container),
		deletes:  make(map[uint64][]wireRange),
		pending:  make(map[uint64][]wireItem),
	}
}

// ClientID returns the id used for local edits.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// ApplyUpdate merges an encoded update. The update is validated in full before the document
// is touched; a malformed update returns ErrMalformedUpdate and changes nothing. Items whose
// dependencies have not arrived yet are kept and integrated by a later merge.
func (d *Doc) ApplyUpdate(payload []byte) error {
	update, err := decodeUpdate(payload)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, incoming := range update.Items {
		d.pending[incoming.ID.Client] = append(d.pending[incoming.ID.Client], incoming)
	}
	for client := range d.pending {
		queue := d.pending[client]
		sort.SliceStable(queue, func(left, right int) bool {
			return queue[left].ID.Clock < queue[right].ID.Clock
		})
	}
	d.drainPending()
	d.addDeletes(update.Deletes)
	return nil
}

// StateVector returns the clocks this replica has integrated.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateVector()
}

// EncodeStateVector returns the serialized state vector.
func (d *Doc) EncodeStateVector() ([]byte, error) {
	return EncodeStateVector(d.StateVector())
}

// EncodeStateAsUpdate returns everything this replica holds that a replica at vector is
// missing, plus the complete delete set. A nil vector yields the full state.
func (d *Doc) EncodeStateAsUpdate(vector StateVector) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeUpdate(d.diff(vector, nil))
}

// HasPending reports whether items are waiting for missing dependencies.
func (d *Doc) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) > 0
}

func (d *Doc) diff(vector StateVector, onlyClient *uint64) wireUpdate {
	update := wireUpdate{}
	for client, items := range d.clients {
		if onlyClient != nil && client != *onlyClient {
			continue
		}
		known := vector[client]
		for _, it := range items {
			end := it.id.Clock + it.length
			if end <= known {
				continue
			}
			encoded := it.wire()
			if it.id.Clock < known {
				encoded = encoded.trimmed(known - it.id.Clock)
			}
			update.Items = append(update.Items, encoded)
		}
	}
	if onlyClient == nil {
		for client, queue := range d.pending {
			known := vector[client]
			for _, waiting := range queue {
				if waiting.ID.Clock+waiting.length() > known {
					update.Items = append(update.Items, waiting)
				}
			}
		}
		for _, ranges := range d.deletes {
			update.Deletes = append(update.Deletes, ranges...)
		}
	}
	return update
}

func (d *Doc) stateVector() StateVector {
	vector := make(StateVector, len(d.clients))
	for client := range d.clients {
		vector[client] = d.nextClock(client)
	}
	return vector
}

func (d *Doc) nextClock(client uint64) uint64 {
	items := d.clients[client]
	if len(items) == 0 {
		return 0
	}
	last := items[len(items)-1]
	return last.id.Clock + last.length
}

func (d *Doc) has(id *ID) bool {
	return id == nil || id.Clock < d.nextClock(id.Client)
}

func (d *Doc) findIndex(id ID) int {
	items := d.clients[id.Client]
	index := sort.Search(len(items), func(i int) bool {
		return items[i].id.Clock > id.Clock
	}) - 1
	if index < 0 {
		return -1
	}
	if id.Clock >= items[index].id.Clock+items[index].length {
		return -1
	}
	return index
}

func (d *Doc) getItem(id ID) *item {
	index := d.findIndex(id)
	if index < 0 {
		return nil
	}
	return d.clients[id.Client][index]
}

// split cuts it at offset and returns the right half, which starts at it.id.Clock+offset.
func (d *Doc) split(it *item, offset uint64) *item {
	right := &item{
		id:          ID{Client: it.id.Client, Clock: it.id.Clock + offset},
		length:      it.length - offset,
		kind:        it.kind,
		origin:      &ID{Client: it.id.Client, Clock: it.id.Clock + offset - 1},
		rightOrigin: copyID(it.rightOrigin),
		parentRoot:  it.parentRoot,
		parentID:    copyID(it.parentID),
		parent:      it.parent,
		left:        it,
		right:       it.right,
		deleted:     it.deleted,
		runes:       append([]rune(nil), it.runes[offset:]...),
	}
	it.runes = it.runes[:offset]
	it.length = offset
	if it.right != nil {
		it.right.left = right
	}
	it.right = right
	index := d.findIndex(it.id)
	d.clients[it.id.Client] = slices.Insert(d.clients[it.id.Client], index+1, right)
	return right
}

func (d *Doc) cleanStart(id ID) *item {
	it := d.getItem(id)
	if it == nil {
		return nil
	}
	if id.Clock > it.id.Clock {
		return d.split(it, id.Clock-it.id.Clock)
	}
	return it
}

func (d *Doc) cleanEnd(id ID) *item {
	it := d.getItem(id)
	if it == nil {
		return nil
	}
	if id.Clock < it.lastID().Clock {
		d.split(it, id.Clock-it.id.Clock+1)
	}
	return it
}

func (d *Doc) rootContainer(name string) *container {
	root, ok := d.roots[name]
	if !ok {
		root = &container{root: name}
		d.roots[name] = root
	}
	return root
}

func (d *Doc) drainPending() {
	for {
		progressed := false
		for client, queue := range d.pending {
			for len(queue) > 0 {
				head := queue[0]
				next := d.nextClock(client)
				if head.ID.Clock+head.length() <= next {
					queue = queue[1:]
					continue
				}
				if head.ID.Clock > next {
					break
				}
				if head.ID.Clock < next {
					head = head.trimmed(next - head.ID.Clock)
				}
				if !d.dependenciesMet(head) {
					break
				}
				d.integrate(head)
				queue = queue[1:]
				progressed = true
			}
			if len(queue) == 0 {
				delete(d.pending, client)
			} else {
				d.pending[client] = queue
			}
		}
		if !progressed {
			return
		}
	}
}

func (d *Doc) dependenciesMet(w wireItem) bool {
	if !d.has(w.Origin) || !d.has(w.RightOrigin) || !d.has(w.ParentID) {
		return false
	}
	for index := range w.Supersedes {
		if !d.has(&w.Supersedes[index]) {
			return false
		}
	}
	return true
}

func (d *Doc) integrate(w wireItem) *item {
	it := &item{
		id:          w.ID,
		length:      w.length(),
		kind:        w.Kind,
		origin:      copyID(w.Origin),
		rightOrigin: copyID(w.RightOrigin),
		parentRoot:  w.ParentRoot,
		parentID:    copyID(w.ParentID),
		name:        w.Name,
		runes:       []rune(w.Text),
		key:         w.Key,
		value:       w.Value,
		removed:     w.Removed,
		supersedes:  append([]ID(nil), w.Supersedes...),
	}
	d.clients[it.id.Client] = append(d.clients[it.id.Client], it)

	parent := d.resolveParent(w)
	linked := false
	switch {
	case parent == nil:
	case it.kind == KindAttribute:
		linked = d.integrateAttribute(it, parent)
	case it.kind == KindString:
		if parent.isText() {
			linked = d.integrateSequence(it, parent)
		}
	default:
		if parent.owner == nil || parent.isElement() {
			linked = d.integrateSequence(it, parent)
		}
	}
	if !linked {
		// Structurally invalid items keep their clocks so later items still integrate,
		// but they never become visible.
		it.deleted = true
		return it
	}
	if it.kind == KindElement || it.kind == KindText {
		it.inner = &container{owner: it}
		if it.kind == KindElement {
			it.inner.attrs = make(map[string]*register)
		}
	}
	d.applyKnownDeletes(it)
	return it
}

func (d *Doc) resolveParent(w wireItem) *container {
	if w.ParentRoot != "" {
		return d.rootContainer(w.ParentRoot)
	}
	owner := d.getItem(*w.ParentID)
	if owner == nil || owner.inner == nil || owner.id != *w.ParentID {
		return nil
	}
	return owner.inner
}

func (d *Doc) integrateAttribute(it *item, parent *container) bool {
	if !parent.isElement() {
		return false
	}
	reg, ok := parent.attrs[it.key]
	if !ok {
		reg = &register{superseded: make(map[ID]struct{})}
		parent.attrs[it.key] = reg
	}
	reg.writes = append(reg.writes, it)
	for _, superseded := range it.supersedes {
		reg.superseded[superseded] = struct{}{}
	}
	it.parent = parent
	return true
}

func (d *Doc) integrateSequence(it *item, parent *container) bool {
	var left *item
	if it.origin != nil {
		left = d.cleanEnd(*it.origin)
		if left == nil || left.parent != parent {
			return false
		}
	}
	var rightOrigin *item
	if it.rightOrigin != nil {
		rightOrigin = d.cleanStart(*it.rightOrigin)
		if rightOrigin == nil || rightOrigin.parent != parent {
			return false
		}
	}

	var scan *item
	if left != nil {
		scan = left.right
	} else {
		scan = parent.start
	}
	conflicting := make(map[*item]struct{})
	beforeOrigin := make(map[*item]struct{})
	for scan != nil && scan != rightOrigin {
		beforeOrigin[scan] = struct{}{}
		conflicting[scan] = struct{}{}
		if sameID(it.origin, scan.origin) {
			if scan.id.Client < it.id.Client {
				left = scan
				clear(conflicting)
			} else if sameID(it.rightOrigin, scan.rightOrigin) {
				break
			}
		} else if scan.origin != nil {
			originItem := d.getItem(*scan.origin)
			if _, seen := beforeOrigin[originItem]; !seen {
				break
			}
			if _, conflict := conflicting[originItem]; !conflict {
				left = scan
				clear(conflicting)
			}
		} else {
			break
		}
		scan = scan.right
	}

	it.parent = parent
	it.left = left
	if left != nil {
		it.right = left.right
		left.right = it
	} else {
		it.right = parent.start
		parent.start = it
	}
	if it.right != nil {
		it.right.left = it
	}
	return true
}

func (d *Doc) addDeletes(ranges []wireRange) {
	for _, deleted := range ranges {
		d.deletes[deleted.Client] = mergeRanges(append(d.deletes[deleted.Client], deleted))
		d.markDeleted(deleted.Client, deleted.Clock, deleted.Clock+deleted.Length)
	}
}

func (d *Doc) applyKnownDeletes(it *item) {
	start := it.id.Clock
	end := it.id.Clock + it.length
	for _, deleted := range d.deletes[it.id.Client] {
		from := max(start, deleted.Clock)
		to := min(end, deleted.Clock+deleted.Length)
		if from < to {
			d.markDeleted(it.id.Client, from, to)
		}
	}
}

func (d *Doc) markDeleted(client, start, end uint64) {
	end = min(end, d.nextClock(client))
	if start >= end {
		return
	}
	first := d.cleanStart(ID{Client: client, Clock: start})
	if first == nil {
		return
	}
	for index := d.findIndex(first.id); index >= 0 && index < len(d.clients[client]); index++ {
		current := d.clients[client][index]
		if current.id.Clock >= end {
			return
		}
		if current.id.Clock+current.length > end {
			d.split(current, end-current.id.Clock)
		}
		if current.kind != KindAttribute {
			current.deleted = true
		}
	}
}

func mergeRanges(ranges []wireRange) []wireRange {
	sort.Slice(ranges, func(left, right int) bool {
		return ranges[left].Clock < ranges[right].Clock
	})
	merged := make([]wireRange, 0, len(ranges))
	for _, current := range ranges {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if current.Clock <= last.Clock+last.Length {
				last.Length = max(last.Clock+last.Length, current.Clock+current.Length) - last.Clock
				continue
			}
		}
		merged = append(merged, current)
	}
	return merged
}
