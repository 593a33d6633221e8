package iso8583

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	BaseDefault = "default"
	BaseEmpty   = "empty"
)

type dictionaryFile struct {
	Base   string          `toml:"base"`
	Fields []dictFieldFile `toml:"fields"`
}

type dictFieldFile struct {
	Number int    `toml:"number"`
	Name   string `toml:"name"`
	Type   string `toml:"type"`
	Length string `toml:"length"`
	Max    int    `toml:"max"`
}

// LoadDictionaryFile reads a TOML field dictionary. Entries replace or extend
// the base dictionary ("default" unless base = "empty"). Unknown keys are an
// error so a misspelt attribute never silently falls back to a default.
//
//	base = "default"
//
//	[[fields]]
//	number = 48
//	name = "additional data"
//	type = "ans"
//	length = "lllvar"
//	max = 999
func LoadDictionaryFile(path string) (*Dictionary, error) {
	var raw dictionaryFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load dictionary: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("load dictionary: unknown keys: %s", strings.Join(keys, ", "))
	}

	specs := make([]FieldSpec, 0, len(raw.Fields))
	seen := make(map[int]bool, len(raw.Fields))
	for i, f := range raw.Fields {
		if seen[f.Number] {
			return nil, fmt.Errorf("load dictionary: fields[%d]: duplicate field %d", i, f.Number)
		}
		seen[f.Number] = true
		specs = append(specs, FieldSpec{
			Number: f.Number,
			Name:   strings.TrimSpace(f.Name),
			Type:   FieldType(strings.ToLower(strings.TrimSpace(f.Type))),
			Length: LengthKind(strings.ToLower(strings.TrimSpace(f.Length))),
			Max:    f.Max,
		})
	}

	switch strings.ToLower(strings.TrimSpace(raw.Base)) {
	case "", BaseDefault:
		d, err := DefaultDictionary().With(specs)
		if err != nil {
			return nil, fmt.Errorf("load dictionary: %w", err)
		}
		return d, nil
	case BaseEmpty:
		d, err := NewDictionary(specs)
		if err != nil {
			return nil, fmt.Errorf("load dictionary: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("load dictionary: unknown base %q", raw.Base)
	}
}
