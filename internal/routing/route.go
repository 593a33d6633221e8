package routing

import (
	"fmt"
	"strings"

	"github.com/danmuck/iso-relayer/internal/protocol/iso8583"
)

// FieldRange matches when the value of Field lies in [Low, High]. Numeric
// bounds compare numerically. When both bounds share a width shorter than the
// value, only that many leading characters are compared, so a six digit
// range selects PANs by issuer prefix.
type FieldRange struct {
	Field int
	Low   string
	High  string
}

// Route is one ordered entry of the routing table. Every configured criterion
// must match; within a criterion any listed value matches. A Default route
// matches everything and is consulted only after all other routes.
type Route struct {
	Name                   string
	MTIs                   []iso8583.MTI
	Kinds                  []iso8583.Kind
	ProcessingCodePrefixes []string
	Ranges                 []FieldRange
	Default                bool
	Target                 string
	Failover               string
}

func (r Route) hasPredicates() bool {
	return len(r.MTIs) > 0 || len(r.Kinds) > 0 || len(r.ProcessingCodePrefixes) > 0 || len(r.Ranges) > 0
}

func (r Route) validate() error {
	if strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("route %q: target required", r.Name)
	}
	if r.Failover == r.Target {
		return fmt.Errorf("route %q: failover equals target", r.Name)
	}
	if r.Default && r.hasPredicates() {
		return fmt.Errorf("route %q: default route cannot carry predicates", r.Name)
	}
	if !r.Default && !r.hasPredicates() {
		return fmt.Errorf("route %q: no predicates and not default", r.Name)
	}
	for _, m := range r.MTIs {
		if !m.Valid() {
			return fmt.Errorf("route %q: invalid mti %q", r.Name, m)
		}
	}
	for _, k := range r.Kinds {
		switch k {
		case iso8583.KindRequest, iso8583.KindResponse, iso8583.KindReversal, iso8583.KindNetworkManagement:
		default:
			return fmt.Errorf("route %q: unknown kind %q", r.Name, k)
		}
	}
	for _, rg := range r.Ranges {
		if rg.Field < 2 || rg.Field > iso8583.MaxField {
			return fmt.Errorf("route %q: range field %d out of range", r.Name, rg.Field)
		}
		if rg.Low == "" || rg.High == "" {
			return fmt.Errorf("route %q: range on field %d needs low and high", r.Name, rg.Field)
		}
		if compareValues(rg.Low, rg.High) > 0 {
			return fmt.Errorf("route %q: range on field %d has low > high", r.Name, rg.Field)
		}
	}
	return nil
}

// Matches reports whether msg satisfies every criterion of r.
func (r Route) Matches(msg *iso8583.Message) bool {
	if r.Default {
		return true
	}
	if len(r.MTIs) > 0 && !containsMTI(r.MTIs, msg.MTI) {
		return false
	}
	if len(r.Kinds) > 0 && !containsKind(r.Kinds, msg.MTI.Kind()) {
		return false
	}
	if len(r.ProcessingCodePrefixes) > 0 {
		pc, ok := msg.Get(iso8583.FieldProcessingCode)
		if !ok || !hasAnyPrefix(pc, r.ProcessingCodePrefixes) {
			return false
		}
	}
	for _, rg := range r.Ranges {
		v, ok := msg.Get(rg.Field)
		if !ok || !rg.contains(v) {
			return false
		}
	}
	return true
}

func (rg FieldRange) contains(v string) bool {
	if len(rg.Low) == len(rg.High) && len(v) > len(rg.Low) {
		v = v[:len(rg.Low)]
	}
	return compareValues(rg.Low, v) <= 0 && compareValues(v, rg.High) <= 0
}

// compareValues orders two digit strings numerically and anything else
// lexically.
func compareValues(a, b string) int {
	if isDigits(a) && isDigits(b) {
		a = strings.TrimLeft(a, "0")
		b = strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func containsMTI(list []iso8583.MTI, m iso8583.MTI) bool {
	for _, v := range list {
		if v == m {
			return true
		}
	}
	return false
}

func containsKind(list []iso8583.Kind, k iso8583.Kind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}

func hasAnyPrefix(v string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}
