package schema

import (
	"fmt"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
	"github.com/rs/zerolog/log"
)

// Requirement names one field a message kind must carry and the character
// class its value must satisfy.
type Requirement struct {
	Field   int
	Numeric bool
}

type ValidationError struct {
	MTI    iso8583.MTI
	Field  int
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("schema: mti=%s: %s", e.MTI, e.Reason)
	}
	return fmt.Sprintf("schema: mti=%s field=%d: %s", e.MTI, e.Field, e.Reason)
}

var requirements = map[iso8583.Kind][]Requirement{
	iso8583.KindRequest: {
		{iso8583.FieldSTAN, true},
	},
	iso8583.KindResponse: {
		{iso8583.FieldSTAN, true},
		{iso8583.FieldResponseCode, false},
	},
	iso8583.KindReversal: {
		{iso8583.FieldSTAN, true},
		{iso8583.FieldOriginalData, true},
	},
	iso8583.KindNetworkManagement: {
		{iso8583.FieldSTAN, true},
		{iso8583.FieldNetworkCode, true},
	},
}

// Requirements returns the fields required for kind.
func Requirements(kind iso8583.Kind) []Requirement {
	reqs := requirements[kind]
	out := make([]Requirement, len(reqs))
	copy(out, reqs)
	return out
}

// Validate enforces the fields the relay needs to route and correlate msg.
// Fields outside the requirement list are ignored; the codec already checked
// their declared types.
func Validate(msg *iso8583.Message) error {
	if msg == nil {
		return ValidationError{Reason: "nil message"}
	}
	if !msg.MTI.Valid() {
		return ValidationError{MTI: msg.MTI, Reason: "invalid mti"}
	}
	reqs, ok := requirements[msg.MTI.Kind()]
	if !ok {
		log.Debug().Str("mti", msg.MTI.String()).Msg("schema.Validate unknown kind")
		return ValidationError{MTI: msg.MTI, Reason: "unknown message kind"}
	}
	for _, req := range reqs {
		v, found := msg.Get(req.Field)
		if !found {
			log.Debug().Str("mti", msg.MTI.String()).Int("field", req.Field).Msg("schema.Validate missing field")
			return ValidationError{MTI: msg.MTI, Field: req.Field, Reason: "missing required field"}
		}
		if req.Numeric && !allDigits(v) {
			log.Debug().Str("mti", msg.MTI.String()).Int("field", req.Field).Msg("schema.Validate non-numeric field")
			return ValidationError{MTI: msg.MTI, Field: req.Field, Reason: "non-numeric value"}
		}
	}
	return nil
}

func allDigits(v string) bool {
	if v == "" {
		return false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}
