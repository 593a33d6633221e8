package iso8583

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Message is one decoded ISO 8583 message. The bitmap is derived from the
// field set, so a presence bit can never disagree with the fields held.
type Message struct {
	MTI    MTI
	fields map[int][]byte
}

// NewMessage returns an empty message of type mti.
func NewMessage(mti MTI) *Message {
	return &Message{
		MTI:    mti,
		fields: make(map[int][]byte),
	}
}

// Set stores a character value for field n. Field 1 is reserved for the
// secondary bitmap and cannot be set.
func (m *Message) Set(n int, value string) *Message {
	return m.SetBytes(n, []byte(value))
}

// SetBytes stores a raw value for field n.
func (m *Message) SetBytes(n int, value []byte) *Message {
	if n < 2 || n > MaxField {
		return m
	}
	if m.fields == nil {
		m.fields = make(map[int][]byte)
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	m.fields[n] = buf
	return m
}

// Unset removes field n.
func (m *Message) Unset(n int) {
	delete(m.fields, n)
}

// Get returns field n as a string.
func (m *Message) Get(n int) (string, bool) {
	v, ok := m.fields[n]
	if !ok {
		return "", false
	}
	return string(v), true
}

// GetBytes returns a copy of field n.
func (m *Message) GetBytes(n int) ([]byte, bool) {
	v, ok := m.fields[n]
	if !ok {
		return nil, false
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	return buf, true
}

// Has reports whether field n is present.
func (m *Message) Has(n int) bool {
	_, ok := m.fields[n]
	return ok
}

// Fields returns the present field numbers in ascending order.
func (m *Message) Fields() []int {
	out := make([]int, 0, len(m.fields))
	for n := range m.fields {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// HasSecondaryBitmap reports whether any field above 64 is present.
func (m *Message) HasSecondaryBitmap() bool {
	for n := range m.fields {
		if n > 64 {
			return true
		}
	}
	return false
}

// Bitmap returns the primary and, when present, secondary bitmap.
func (m *Message) Bitmap() Bitmap {
	var b Bitmap
	for n := range m.fields {
		b.Set(n)
	}
	if b.HasSecondary() {
		b.Set(secondaryField)
	}
	return b
}

// STAN returns the system trace audit number (field 11).
func (m *Message) STAN() string {
	v, _ := m.Get(FieldSTAN)
	return v
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	out := NewMessage(m.MTI)
	for n, v := range m.fields {
		out.SetBytes(n, v)
	}
	return out
}

// Equal reports whether m and other carry the same type and fields.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.MTI != other.MTI || len(m.fields) != len(other.fields) {
		return false
	}
	for n, v := range m.fields {
		ov, ok := other.fields[n]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Response builds the response skeleton for request m: response MTI, echoed
// routing and identification fields, and responseCode in field 39.
func (m *Message) Response(responseCode string) (*Message, error) {
	mti, err := m.MTI.ResponseMTI()
	if err != nil {
		return nil, err
	}
	out := NewMessage(mti)
	for _, n := range echoedFields {
		if v, ok := m.fields[n]; ok {
			out.SetBytes(n, v)
		}
	}
	out.Set(FieldResponseCode, responseCode)
	return out, nil
}

// fields copied from a request into any response the relay synthesizes.
var echoedFields = []int{
	FieldPAN,
	FieldProcessingCode,
	FieldAmount,
	FieldTransmissionDateTime,
	FieldSTAN,
	FieldLocalTime,
	FieldLocalDate,
	FieldAcquirerID,
	FieldRRN,
	FieldTerminalID,
	42,
	49,
	FieldNetworkCode,
}

// Reversal builds a reversal request for m. Field 90 carries the original
// MTI, trace, transmission date time and acquirer id, zero padded to 42
// digits. The trace field is left for the caller to assign.
func (m *Message) Reversal() (*Message, error) {
	mti, err := m.MTI.ReversalMTI()
	if err != nil {
		return nil, err
	}
	out := m.Clone()
	out.MTI = mti
	out.Unset(FieldSTAN)
	out.Unset(FieldResponseCode)
	out.Unset(52)
	out.Unset(64)
	out.Unset(128)
	out.Set(FieldOriginalData, m.OriginalData())
	return out, nil
}

// OriginalData is the field 90 value a reversal of m carries.
func (m *Message) OriginalData() string {
	stan, _ := m.Get(FieldSTAN)
	dt, _ := m.Get(FieldTransmissionDateTime)
	acq, _ := m.Get(FieldAcquirerID)
	return string(m.MTI) +
		leftPad(stan, 6, '0') +
		leftPad(dt, 10, '0') +
		leftPad(acq, 11, '0') +
		strings.Repeat("0", 11)
}

func leftPad(v string, width int, pad byte) string {
	if len(v) >= width {
		return v[len(v)-width:]
	}
	return strings.Repeat(string(pad), width-len(v)) + v
}

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mti=%s", m.MTI)
	for _, n := range m.Fields() {
		if sensitiveFields[n] {
			fmt.Fprintf(&b, " %d=<%d bytes>", n, len(m.fields[n]))
			continue
		}
		fmt.Fprintf(&b, " %d=%q", n, m.fields[n])
	}
	return b.String()
}

// cardholder data never printed by String.
var sensitiveFields = map[int]bool{
	FieldPAN: true,
	35:       true,
	45:       true,
	52:       true,
	55:       true,
}
