package schema

import (
	"testing"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	"github.com/danmuck/iso-relayer/internal/testutil/testlog"
)

func TestValidateRequestRequiresTrace(t *testing.T) {
	testlog.Start(t)
	msg := iso8583.NewMessage("0200").Set(iso8583.FieldSTAN, "000042").Set(iso8583.FieldProcessingCode, "000000")
	if err := Validate(msg); err != nil {
		t.Fatalf("validate request: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	msg := iso8583.NewMessage("0210").Set(iso8583.FieldSTAN, "000042")
	err := Validate(msg)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if ve.Field != iso8583.FieldResponseCode || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateNetworkNeedsNumericCode(t *testing.T) {
	testlog.Start(t)
	msg := iso8583.NewMessage("0800").Set(iso8583.FieldSTAN, "000001").Set(iso8583.FieldNetworkCode, "30A")
	err := Validate(msg)
	ve, ok := err.(ValidationError)
	if !ok || ve.Field != iso8583.FieldNetworkCode || ve.Reason != "non-numeric value" {
		t.Fatalf("unexpected result: %v", err)
	}
}

func TestValidateReversalNeedsOriginalData(t *testing.T) {
	testlog.Start(t)
	msg := iso8583.NewMessage("0400").Set(iso8583.FieldSTAN, "000003")
	err := Validate(msg)
	ve, ok := err.(ValidationError)
	if !ok || ve.Field != iso8583.FieldOriginalData {
		t.Fatalf("unexpected result: %v", err)
	}
}

func TestValidateInvalidMTI(t *testing.T) {
	testlog.Start(t)
	if err := Validate(iso8583.NewMessage("02X0")); err == nil {
		t.Fatalf("expected invalid mti error")
	}
}
