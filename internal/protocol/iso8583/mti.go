package iso8583

import "fmt"

// MTI is the 4-digit message type indicator, e.g. "0200".
type MTI string

// Class is the second MTI digit.
type Class byte

const (
	ClassAuthorization     Class = '1'
	ClassFinancial         Class = '2'
	ClassFileAction        Class = '3'
	ClassReversal          Class = '4'
	ClassReconciliation    Class = '5'
	ClassAdministrative    Class = '6'
	ClassFeeCollection     Class = '7'
	ClassNetworkManagement Class = '8'
)

// Function is the third MTI digit.
type Function byte

const (
	FunctionRequest         Function = '0'
	FunctionResponse        Function = '1'
	FunctionAdvice          Function = '2'
	FunctionAdviceResponse  Function = '3'
	FunctionNotification    Function = '4'
	FunctionNotificationAck Function = '5'
	FunctionInstruction     Function = '6'
	FunctionInstructionAck  Function = '7'
)

// Kind is the coarse message category used by routing and correlation.
type Kind string

const (
	KindRequest           Kind = "request"
	KindResponse          Kind = "response"
	KindReversal          Kind = "reversal"
	KindNetworkManagement Kind = "network"
)

// ParseMTI validates raw and returns it as an MTI.
func ParseMTI(raw string) (MTI, error) {
	if len(raw) != 4 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMTI, raw)
	}
	for i := 0; i < 4; i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidMTI, raw)
		}
	}
	return MTI(raw), nil
}

// Valid reports whether m is four ASCII digits.
func (m MTI) Valid() bool {
	_, err := ParseMTI(string(m))
	return err == nil
}

func (m MTI) Class() Class {
	if len(m) != 4 {
		return 0
	}
	return Class(m[1])
}

func (m MTI) Function() Function {
	if len(m) != 4 {
		return 0
	}
	return Function(m[2])
}

// IsResponse reports whether m answers a request or an advice.
func (m MTI) IsResponse() bool {
	switch m.Function() {
	case FunctionResponse, FunctionAdviceResponse, FunctionNotificationAck, FunctionInstructionAck:
		return true
	default:
		return false
	}
}

// IsRequest reports whether m expects a response.
func (m MTI) IsRequest() bool {
	switch m.Function() {
	case FunctionRequest, FunctionAdvice, FunctionNotification, FunctionInstruction:
		return true
	default:
		return false
	}
}

// Kind folds class and function into one routing category. Responses win over
// class, so a 0410 is a response and a 0400 is a reversal.
func (m MTI) Kind() Kind {
	switch {
	case m.IsResponse():
		return KindResponse
	case m.Class() == ClassNetworkManagement:
		return KindNetworkManagement
	case m.Class() == ClassReversal:
		return KindReversal
	default:
		return KindRequest
	}
}

// ResponseMTI returns the response type for a request type (0200 -> 0210).
func (m MTI) ResponseMTI() (MTI, error) {
	if !m.Valid() || !m.IsRequest() {
		return "", fmt.Errorf("%w: no response type for %q", ErrInvalidMTI, string(m))
	}
	b := []byte(m)
	b[2]++
	return MTI(b), nil
}

// RequiresReversal reports whether an unanswered request of this type must be
// reversed: authorization and financial requests and advices move funds or
// holds; everything else does not.
func (m MTI) RequiresReversal() bool {
	if !m.IsRequest() {
		return false
	}
	switch m.Class() {
	case ClassAuthorization, ClassFinancial:
		return true
	default:
		return false
	}
}

// ReversalMTI returns the reversal request type keeping version and origin
// digits (0200 -> 0400).
func (m MTI) ReversalMTI() (MTI, error) {
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMTI, string(m))
	}
	return MTI([]byte{m[0], byte(ClassReversal), byte(FunctionRequest), m[3]}), nil
}

func (m MTI) String() string {
	return string(m)
}
