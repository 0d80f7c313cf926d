package events

import (
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
)

// Wire schema (flatbuffers):
//
//	table Attr  { key:string; value:string; }
//	table Event { seq:ulong; kind:string; e3:ulong; time:long; attrs:[Attr]; }
//	root_type Event;

const (
	eventSlotSeq = iota
	eventSlotKind
	eventSlotE3
	eventSlotTime
	eventSlotAttrs
	eventFieldCount
)

const (
	attrSlotKey = iota
	attrSlotValue
	attrFieldCount
)

// minEventSize is the smallest buffer that can hold a root offset and a vtable.
const minEventSize = 8

// Encode serializes an event to its flatbuffers wire form.
func Encode(e Event) []byte {
	b := flatbuffers.NewBuilder(128 + 32*len(e.Attrs))

	attrOffsets := make([]flatbuffers.UOffsetT, len(e.Attrs))
	for i, a := range e.Attrs {
		key := b.CreateString(a.Key)
		value := b.CreateString(a.Value)

		b.StartObject(attrFieldCount)
		b.PrependUOffsetTSlot(attrSlotKey, key, 0)
		b.PrependUOffsetTSlot(attrSlotValue, value, 0)
		attrOffsets[i] = b.EndObject()
	}

	b.StartVector(4, len(attrOffsets), 4)
	for i := len(attrOffsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(attrOffsets[i])
	}
	attrs := b.EndVector(len(attrOffsets))

	kind := b.CreateString(string(e.Kind))

	b.StartObject(eventFieldCount)
	b.PrependUint64Slot(eventSlotSeq, e.Seq, 0)
	b.PrependUOffsetTSlot(eventSlotKind, kind, 0)
	b.PrependUint64Slot(eventSlotE3, e.E3, 0)
	b.PrependInt64Slot(eventSlotTime, e.Time.Unix(), 0)
	b.PrependUOffsetTSlot(eventSlotAttrs, attrs, 0)
	b.Finish(b.EndObject())

	return b.FinishedBytes()
}

// Decode parses an event from its flatbuffers wire form.
func Decode(buf []byte) (ev Event, err error) {
	if len(buf) < minEventSize {
		return Event{}, fmt.Errorf("event too short: %d bytes", len(buf))
	}

	// Out-of-range offsets panic inside the flatbuffers accessors.
	defer func() {
		if r := recover(); r != nil {
			ev = Event{}
			err = fmt.Errorf("malformed event: %v", r)
		}
	}()

	root := getRootAsEvent(buf)

	ev = Event{
		Seq:  root.Seq(),
		Kind: Kind(root.Kind()),
		E3:   root.E3(),
		Time: time.Unix(root.Time(), 0).UTC(),
	}

	n := root.AttrsLength()
	if n > 0 {
		ev.Attrs = make([]Attr, n)

		var a fbAttr
		for i := 0; i < n; i++ {
			if !root.Attrs(&a, i) {
				return Event{}, fmt.Errorf("missing attribute %d", i)
			}

			ev.Attrs[i] = Attr{Key: string(a.Key()), Value: string(a.Value())}
		}
	}

	return ev, nil
}

// fbEvent reads the Event table.
type fbEvent struct {
	tab flatbuffers.Table
}

func getRootAsEvent(buf []byte) *fbEvent {
	n := flatbuffers.GetUOffsetT(buf)

	x := &fbEvent{}
	x.tab.Bytes = buf
	x.tab.Pos = n

	return x
}

func (rcv *fbEvent) field(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(rcv.tab.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func (rcv *fbEvent) Seq() uint64 {
	if o := rcv.field(eventSlotSeq); o != 0 {
		return rcv.tab.GetUint64(o + rcv.tab.Pos)
	}

	return 0
}

func (rcv *fbEvent) Kind() []byte {
	if o := rcv.field(eventSlotKind); o != 0 {
		return rcv.tab.ByteVector(o + rcv.tab.Pos)
	}

	return nil
}

func (rcv *fbEvent) E3() uint64 {
	if o := rcv.field(eventSlotE3); o != 0 {
		return rcv.tab.GetUint64(o + rcv.tab.Pos)
	}

	return 0
}

func (rcv *fbEvent) Time() int64 {
	if o := rcv.field(eventSlotTime); o != 0 {
		return rcv.tab.GetInt64(o + rcv.tab.Pos)
	}

	return 0
}

func (rcv *fbEvent) AttrsLength() int {
	if o := rcv.field(eventSlotAttrs); o != 0 {
		return rcv.tab.VectorLen(o)
	}

	return 0
}

func (rcv *fbEvent) Attrs(obj *fbAttr, j int) bool {
	o := rcv.field(eventSlotAttrs)
	if o == 0 {
		return false
	}

	x := rcv.tab.Vector(o)
	x += flatbuffers.UOffsetT(j) * 4
	x = rcv.tab.Indirect(x)

	obj.tab.Bytes = rcv.tab.Bytes
	obj.tab.Pos = x

	return true
}

// fbAttr reads the Attr table.
type fbAttr struct {
	tab flatbuffers.Table
}

func (rcv *fbAttr) field(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(rcv.tab.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func (rcv *fbAttr) Key() []byte {
	if o := rcv.field(attrSlotKey); o != 0 {
		return rcv.tab.ByteVector(o + rcv.tab.Pos)
	}

	return nil
}

func (rcv *fbAttr) Value() []byte {
	if o := rcv.field(attrSlotValue); o != 0 {
		return rcv.tab.ByteVector(o + rcv.tab.Pos)
	}

	return nil
}
