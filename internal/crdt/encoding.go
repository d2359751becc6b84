package crdt

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/ugorji/go/codec"
)

var (
	// ErrMalformedUpdate indicates that an update payload could not be decoded or validated.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrMalformedStateVector indicates that a state vector payload could not be decoded.
	ErrMalformedStateVector = errors.New("crdt: malformed state vector")
)

var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	handle := &codec.MsgpackHandle{}
	handle.Canonical = true
	handle.WriteExt = true
	return handle
}

// ID identifies a single clock tick issued by one replica.
type ID struct {
	Client uint64 `codec:"c"`
	Clock  uint64 `codec:"k"`
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func sameID(left, right *ID) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}

func copyID(id *ID) *ID {
	if id == nil {
		return nil
	}
	value := *id
	return &value
}

// StateVector maps a client to the next clock expected from it.
type StateVector map[uint64]uint64

// Clone returns an independent copy of the vector.
func (vector StateVector) Clone() StateVector {
	clone := make(StateVector, len(vector))
	for client, clock := range vector {
		clone[client] = clock
	}
	return clone
}

// EncodeStateVector serializes a state vector for the sync handshake.
func EncodeStateVector(vector StateVector) ([]byte, error) {
	if vector == nil {
		vector = StateVector{}
	}
	return encodeValue(map[uint64]uint64(vector))
}

// DecodeStateVector parses a state vector produced by EncodeStateVector.
func DecodeStateVector(payload []byte) (StateVector, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedStateVector)
	}
	decoded := map[uint64]uint64{}
	if err := decodeValue(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	return StateVector(decoded), nil
}

// Kind enumerates the content carried by an item.
type Kind uint8

const (
	// KindElement is a named element holding children and attributes.
	KindElement Kind = iota + 1
	// KindText is a text node holding string runs.
	KindText
	// KindString is a run of characters inside a text node.
	KindString
	// KindAttribute is a write to an element attribute register.
	KindAttribute
)

type wireItem struct {
	ID          ID     `codec:"id"`
	Kind        Kind   `codec:"t"`
	Origin      *ID    `codec:"o,omitempty"`
	RightOrigin *ID    `codec:"r,omitempty"`
	ParentRoot  string `codec:"pr,omitempty"`
	ParentID    *ID    `codec:"pi,omitempty"`
	Name        string `codec:"n,omitempty"`
	Text        string `codec:"s,omitempty"`
	Key         string `codec:"ak,omitempty"`
	Value       string `codec:"av,omitempty"`
	Removed     bool   `codec:"ar,omitempty"`
	Supersedes  []ID   `codec:"as,omitempty"`
}

func (w wireItem) length() uint64 {
	if w.Kind == KindString {
		return uint64(utf8.RuneCountInString(w.Text))
	}
	return 1
}

// trimmed drops the first offset characters of a string item.
func (w wireItem) trimmed(offset uint64) wireItem {
	runes := []rune(w.Text)
	w.Text = string(runes[offset:])
	w.Origin = &ID{Client: w.ID.Client, Clock: w.ID.Clock + offset - 1}
	w.ID.Clock += offset
	return w
}

type wireRange struct {
	Client uint64 `codec:"c"`
	Clock  uint64 `codec:"k"`
	Length uint64 `codec:"l"`
}

type wireUpdate struct {
	Items   []wireItem  `codec:"i"`
	Deletes []wireRange `codec:"d"`
}

func decodeUpdate(payload []byte) (wireUpdate, error) {
	if len(payload) == 0 {
		return wireUpdate{}, fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	var update wireUpdate
	if err := decodeValue(payload, &update); err != nil {
		return wireUpdate{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if err := update.validate(); err != nil {
		return wireUpdate{}, err
	}
	return update, nil
}

func (update wireUpdate) validate() error {
	for index, item := range update.Items {
		if err := item.validate(); err != nil {
			return fmt.Errorf("%w: item %d: %s", ErrMalformedUpdate, index, err.Error())
		}
	}
	for index, deleted := range update.Deletes {
		if deleted.Length == 0 {
			return fmt.Errorf("%w: delete %d: empty range", ErrMalformedUpdate, index)
		}
		if deleted.Clock+deleted.Length < deleted.Clock {
			return fmt.Errorf("%w: delete %d: range overflow", ErrMalformedUpdate, index)
		}
	}
	return nil
}

func (w wireItem) validate() error {
	hasRoot := w.ParentRoot != ""
	hasParentID := w.ParentID != nil
	if hasRoot == hasParentID {
		return errors.New("exactly one parent reference required")
	}
	switch w.Kind {
	case KindElement:
		if w.Name == "" {
			return errors.New("element without name")
		}
	case KindText:
	case KindString:
		if w.Text == "" {
			return errors.New("empty string run")
		}
		if !utf8.ValidString(w.Text) {
			return errors.New("string run is not utf-8")
		}
		if hasRoot {
			return errors.New("string run outside text node")
		}
	case KindAttribute:
		if w.Key == "" {
			return errors.New("attribute without key")
		}
		if hasRoot {
			return errors.New("attribute outside element")
		}
		if w.Origin != nil || w.RightOrigin != nil {
			return errors.New("attribute with sequence origins")
		}
	default:
		return fmt.Errorf("unknown kind %d", w.Kind)
	}
	if w.ID.Clock+w.length() < w.ID.Clock {
		return errors.New("clock overflow")
	}
	return nil
}

func encodeUpdate(update wireUpdate) ([]byte, error) {
	sort.SliceStable(update.Items, func(left, right int) bool {
		if update.Items[left].ID.Client != update.Items[right].ID.Client {
			return update.Items[left].ID.Client < update.Items[right].ID.Client
		}
		return update.Items[left].ID.Clock < update.Items[right].ID.Clock
	})
	return encodeValue(update)
}

func encodeValue(value interface{}) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(value); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeValue(payload []byte, target interface{}) error {
	return codec.NewDecoderBytes(payload, msgpackHandle).Decode(target)
}
