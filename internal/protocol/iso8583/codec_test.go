package iso8583

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/iso-relayer/internal/testutil/testlog"
)

func sampleAuthorization() *Message {
	return NewMessage("0100").
		Set(FieldPAN, "4111111111111111").
		Set(FieldProcessingCode, "000000").
		Set(FieldAmount, "000000010000").
		Set(FieldTransmissionDateTime, "1016120000").
		Set(FieldSTAN, "000042").
		Set(FieldAcquirerID, "123456").
		Set(FieldRRN, "629012345678").
		Set(FieldTerminalID, "TERM0001").
		Set(49, "840")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	codec := NewCodec(nil)
	cases := map[string]*Message{
		"primary only": sampleAuthorization(),
		"secondary":    sampleAuthorization().Set(FieldNetworkCode, "301").Set(102, "ACCT-1"),
		"binary":       sampleAuthorization().SetBytes(52, []byte{0x00, 0xff, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60}),
		"lllvar":       sampleAuthorization().Set(48, "additional private data"),
		"empty var":    NewMessage("0800").Set(FieldSTAN, "000001").Set(44, ""),
		"field 128":    NewMessage("0800").Set(FieldSTAN, "000001").SetBytes(128, []byte("MACMACMA")),
	}
	for name, msg := range cases {
		raw, err := codec.Encode(msg)
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		got, err := codec.Decode(raw)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if !got.Equal(msg) {
			t.Fatalf("%s: round trip mismatch\n got=%s\nwant=%s", name, got, msg)
		}
		if got.Bitmap().IsSet(1) != got.HasSecondaryBitmap() {
			t.Fatalf("%s: bitmap bit 1 disagrees with field set", name)
		}
	}
}

func TestEncodeSecondaryBitmapOnlyWhenNeeded(t *testing.T) {
	testlog.Start(t)
	codec := NewCodec(nil)

	raw, err := codec.Encode(sampleAuthorization())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if raw[mtiLen]&0x80 != 0 {
		t.Fatalf("primary-only message set bit 1")
	}

	raw, err = codec.Encode(sampleAuthorization().Set(FieldNetworkCode, "001"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if raw[mtiLen]&0x80 == 0 {
		t.Fatalf("field 70 present without bit 1")
	}
}

func TestDecodeEveryPrefixFailsCleanly(t *testing.T) {
	testlog.Start(t)
	codec := NewCodec(nil)
	msg := sampleAuthorization().Set(48, "xyz").Set(FieldNetworkCode, "301").Set(102, "ACCOUNT")
	raw, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < len(raw); i++ {
		prefix := make([]byte, i)
		copy(prefix, raw[:i])
		got, err := codec.Decode(prefix)
		if err == nil {
			t.Fatalf("prefix len=%d decoded unexpectedly: %s", i, got)
		}
		if !IsDecodingError(err) {
			t.Fatalf("prefix len=%d: expected DecodingError, got %T %v", i, err, err)
		}
	}
}

func TestDecodeShortBitmap(t *testing.T) {
	testlog.Start(t)
	_, err := NewCodec(nil).Decode([]byte("0200\x70\x00"))
	if !errors.Is(err, ErrShortBitmap) {
		t.Fatalf("expected ErrShortBitmap, got %v", err)
	}
}

func TestDecodeMissingSecondaryBitmap(t *testing.T) {
	testlog.Start(t)
	raw := append([]byte("0800"), 0x80, 0, 0, 0, 0, 0, 0, 0)
	raw = append(raw, 0x04, 0x00)
	_, err := NewCodec(nil).Decode(raw)
	if !errors.Is(err, ErrMissingSecondaryBitmap) {
		t.Fatalf("expected ErrMissingSecondaryBitmap, got %v", err)
	}
}

func TestDecodeLengthIndicatorOverrun(t *testing.T) {
	testlog.Start(t)
	// field 2 declares 19 digits but only 4 follow
	raw := append([]byte("0200"), 0x40, 0, 0, 0, 0, 0, 0, 0)
	raw = append(raw, []byte("194111")...)
	_, err := NewCodec(nil).Decode(raw)
	if !errors.Is(err, ErrLengthOverrun) {
		t.Fatalf("expected ErrLengthOverrun, got %v", err)
	}
	var decErr *DecodingError
	if !errors.As(err, &decErr) || decErr.Field != FieldPAN {
		t.Fatalf("expected field 2 decoding error, got %v", err)
	}
}

func TestSalvageKeepsFieldsBeforeFailure(t *testing.T) {
	testlog.Start(t)
	codec := NewCodec(nil)
	raw, err := codec.Encode(sampleAuthorization())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// cut inside field 37, after the trace number
	cut := raw[:len(raw)-20]
	if _, err := codec.Decode(cut); err == nil {
		t.Fatalf("expected decode failure")
	}
	msg := codec.Salvage(cut)
	if msg == nil || msg.MTI != "0100" {
		t.Fatalf("expected salvaged 0100, got %v", msg)
	}
	if msg.STAN() != "000042" {
		t.Fatalf("expected salvaged trace, got %q", msg.STAN())
	}
	if msg.Has(FieldTerminalID) {
		t.Fatalf("fields after the failure must not be salvaged")
	}
	if codec.Salvage([]byte("02")) != nil {
		t.Fatalf("unreadable MTI should salvage nothing")
	}
}

func TestDecodeLengthIndicatorAboveMax(t *testing.T) {
	testlog.Start(t)
	raw := append([]byte("0200"), 0x40, 0, 0, 0, 0, 0, 0, 0)
	raw = append(raw, []byte("25")...)
	raw = append(raw, []byte("4111111111111111111111111")...)
	_, err := NewCodec(nil).Decode(raw)
	if !errors.Is(err, ErrValueTooLong) {
		t.Fatalf("expected ErrValueTooLong, got %v", err)
	}
}

func TestDecodeNonDigitLengthIndicator(t *testing.T) {
	testlog.Start(t)
	raw := append([]byte("0200"), 0x40, 0, 0, 0, 0, 0, 0, 0)
	raw = append(raw, []byte("1x4111")...)
	_, err := NewCodec(nil).Decode(raw)
	if !errors.Is(err, ErrInvalidLengthIndicator) {
		t.Fatalf("expected ErrInvalidLengthIndicator, got %v", err)
	}
}

func TestDecodeUnassignedFieldBit(t *testing.T) {
	testlog.Start(t)
	// bit 8 has no dictionary entry
	raw := append([]byte("0200"), 0x01, 0, 0, 0, 0, 0, 0, 0)
	raw = append(raw, []byte("00000000")...)
	_, err := NewCodec(nil).Decode(raw)
	if !errors.Is(err, ErrUnassignedField) {
		t.Fatalf("expected ErrUnassignedField, got %v", err)
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	testlog.Start(t)
	codec := NewCodec(nil)
	raw, err := codec.Encode(sampleAuthorization())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw = append(raw, '9')
	if _, err := codec.Decode(raw); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}

func TestEncodeRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)
	codec := NewCodec(nil)
	cases := []struct {
		name string
		msg  *Message
		want error
	}{
		{"bad mti", NewMessage("02A0").Set(FieldSTAN, "000001"), ErrInvalidMTI},
		{"non numeric", NewMessage("0200").Set(FieldSTAN, "00000A"), ErrNonNumeric},
		{"fixed short", NewMessage("0200").Set(FieldSTAN, "1"), ErrFixedLength},
		{"var too long", NewMessage("0200").Set(FieldPAN, "41111111111111111111"), ErrValueTooLong},
		{"unknown field", NewMessage("0200").Set(8, "1"), ErrUnknownField},
		{"control char", NewMessage("0200").Set(48, "a\x01b"), ErrInvalidCharacter},
	}
	for _, tc := range cases {
		_, err := codec.Encode(tc.msg)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if !IsEncodingError(err) {
			t.Fatalf("%s: expected EncodingError, got %T", tc.name, err)
		}
	}
}

func TestMTIClassification(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		mti      MTI
		kind     Kind
		reversal bool
	}{
		{"0100", KindRequest, true},
		{"0200", KindRequest, true},
		{"0210", KindResponse, false},
		{"0400", KindReversal, false},
		{"0410", KindResponse, false},
		{"0800", KindNetworkManagement, false},
		{"0810", KindResponse, false},
		{"0220", KindRequest, true},
	}
	for _, tc := range cases {
		if got := tc.mti.Kind(); got != tc.kind {
			t.Fatalf("%s kind got=%s want=%s", tc.mti, got, tc.kind)
		}
		if got := tc.mti.RequiresReversal(); got != tc.reversal {
			t.Fatalf("%s requires reversal got=%v want=%v", tc.mti, got, tc.reversal)
		}
	}
	if resp, err := MTI("0200").ResponseMTI(); err != nil || resp != "0210" {
		t.Fatalf("response mti got=%s err=%v", resp, err)
	}
	if rev, err := MTI("0100").ReversalMTI(); err != nil || rev != "0400" {
		t.Fatalf("reversal mti got=%s err=%v", rev, err)
	}
	if _, err := MTI("0210").ResponseMTI(); !errors.Is(err, ErrInvalidMTI) {
		t.Fatalf("expected ErrInvalidMTI for response of response, got %v", err)
	}
}

func TestReversalCarriesOriginalData(t *testing.T) {
	testlog.Start(t)
	req := sampleAuthorization()
	rev, err := req.Reversal()
	if err != nil {
		t.Fatalf("reversal: %v", err)
	}
	if rev.MTI != "0400" {
		t.Fatalf("unexpected reversal mti=%s", rev.MTI)
	}
	if rev.Has(FieldSTAN) {
		t.Fatalf("reversal must leave trace unassigned")
	}
	orig, _ := rev.Get(FieldOriginalData)
	if len(orig) != 42 || orig[:4] != "0100" || orig[4:10] != "000042" {
		t.Fatalf("unexpected original data elements %q", orig)
	}
	rev.Set(FieldSTAN, "000043")
	if _, err := NewCodec(nil).Encode(rev); err != nil {
		t.Fatalf("encode reversal: %v", err)
	}
}

func TestResponseEchoesIdentification(t *testing.T) {
	testlog.Start(t)
	resp, err := sampleAuthorization().Response("91")
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp.MTI != "0110" || resp.STAN() != "000042" {
		t.Fatalf("unexpected response %s", resp)
	}
	if code, _ := resp.Get(FieldResponseCode); code != "91" {
		t.Fatalf("unexpected response code %q", code)
	}
}

func TestStringMasksCardholderData(t *testing.T) {
	testlog.Start(t)
	s := sampleAuthorization().String()
	if strings.Contains(s, "4111111111111111") {
		t.Fatalf("pan leaked into String(): %s", s)
	}
}

func TestLoadDictionaryFileExtendsDefault(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "dict.toml")
	body := `base = "default"

[[fields]]
number = 8
name = "amount cardholder billing fee"
type = "n"
length = "fixed"
max = 8

[[fields]]
number = 48
name = "additional data"
type = "ans"
length = "llvar"
max = 20
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write dictionary: %v", err)
	}
	dict, err := LoadDictionaryFile(path)
	if err != nil {
		t.Fatalf("load dictionary: %v", err)
	}
	spec, ok := dict.Spec(8)
	if !ok || spec.Max != 8 || spec.Type != TypeNumeric {
		t.Fatalf("field 8 not loaded: %+v", spec)
	}
	spec, _ = dict.Spec(48)
	if spec.Length != LengthLLVar || spec.Max != 20 {
		t.Fatalf("field 48 not replaced: %+v", spec)
	}
	if _, ok := dict.Spec(FieldSTAN); !ok {
		t.Fatalf("default field 11 missing")
	}

	codec := NewCodec(dict)
	msg := NewMessage("0200").Set(8, "00000100").Set(FieldSTAN, "000001")
	raw, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("encode with custom dictionary: %v", err)
	}
	if _, err := NewCodec(nil).Decode(raw); !errors.Is(err, ErrUnassignedField) {
		t.Fatalf("default dictionary should reject field 8, got %v", err)
	}
}

func TestLoadDictionaryFileRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "dict.toml")
	body := `base = "empty"

[[fields]]
number = 11
type = "n"
length = "fixed"
maximum = 6
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write dictionary: %v", err)
	}
	if _, err := LoadDictionaryFile(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}
