package media

import "github.com/google/uuid"

// MetaKey names one entry in a Meta map
type MetaKey int

const (
	KeyInputFrame   MetaKey = iota + 1 // *Frame attached to an input task
	KeyOutputPacket                    // *Packet attached to an output task
	KeyMotionInfo                      // *Buffer receiving per-block motion info
	KeyUserData                        // []byte single user-data blob
	KeyUserDataSet                     // []UserData tagged blobs
	KeyInputIDRReq                     // bool: force this frame to IDR
	KeyInputPskip                      // bool: force this frame to P-skip
	KeyOutputIntra                     // bool: packet holds an intra frame
	KeyTemporalID                      // int: temporal layer of the packet
	KeyOutputQP                        // int: average QP of the packet
)

// UserData is an opaque blob embedded in the stream as a UUID-tagged SEI
type UserData struct {
	UUID uuid.UUID
	Data []byte
}

// DefaultUserDataUUID tags user data that was attached without a UUID
var DefaultUserDataUUID = uuid.MustParse("d7c0b8e1-39a3-4ab6-8f2c-6c2e52b0f1a4")

// Meta is a small key/value store attached to frames, packets and tasks.
// The zero value is ready to use.
type Meta struct {
	values map[MetaKey]any
}

// Set stores v under k, replacing any previous value
func (m *Meta) Set(k MetaKey, v any) {
	if m.values == nil {
		m.values = make(map[MetaKey]any, 4)
	}
	m.values[k] = v
}

// Get returns the raw value stored under k
func (m *Meta) Get(k MetaKey) (any, bool) {
	v, ok := m.values[k]
	return v, ok
}

// Delete removes k
func (m *Meta) Delete(k MetaKey) {
	delete(m.values, k)
}

// Len returns the number of stored keys
func (m *Meta) Len() int {
	return len(m.values)
}

// Clear removes every key
func (m *Meta) Clear() {
	clear(m.values)
}

// Bool returns the bool stored under k, false when absent
func (m *Meta) Bool(k MetaKey) bool {
	v, _ := m.values[k].(bool)
	return v
}

// Int returns the int stored under k
func (m *Meta) Int(k MetaKey) (int, bool) {
	v, ok := m.values[k].(int)
	return v, ok
}

// Frame returns the *Frame stored under k
func (m *Meta) Frame(k MetaKey) *Frame {
	v, _ := m.values[k].(*Frame)
	return v
}

// Packet returns the *Packet stored under k
func (m *Meta) Packet(k MetaKey) *Packet {
	v, _ := m.values[k].(*Packet)
	return v
}

// Buffer returns the *Buffer stored under k
func (m *Meta) Buffer(k MetaKey) *Buffer {
	v, _ := m.values[k].(*Buffer)
	return v
}

// UserDatas collects every user-data blob on the meta. A bare KeyUserData
// blob is tagged with DefaultUserDataUUID and comes first.
func (m *Meta) UserDatas() []UserData {
	var out []UserData
	if raw, ok := m.values[KeyUserData].([]byte); ok && len(raw) > 0 {
		out = append(out, UserData{UUID: DefaultUserDataUUID, Data: raw})
	}
	if set, ok := m.values[KeyUserDataSet].([]UserData); ok {
		for _, ud := range set {
			if len(ud.Data) == 0 {
				continue
			}
			if ud.UUID == uuid.Nil {
				ud.UUID = DefaultUserDataUUID
			}
			out = append(out, ud)
		}
	}
	return out
}
