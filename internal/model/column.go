package model

import (
	"fmt"
	"sort"
	"strings"
)

// ColumnType is the semantic type of one table column. Identifier
// types (Plate, Well, Image, Dataset, ROI) carry object ids and are
// resolved against the loaded hierarchy; the remaining types are plain
// values.
type ColumnType int

const (
	ColPlate ColumnType = iota
	ColWell
	ColImage
	ColDataset
	ColROI
	ColLong
	ColDouble
	ColString
	ColBool
)

// columnTokens is the closed set of short codes accepted both in a
// "# header" type-annotation row and as a CLI --columns override.
var columnTokens = map[string]ColumnType{
	"plate":   ColPlate,
	"well":    ColWell,
	"image":   ColImage,
	"dataset": ColDataset,
	"roi":     ColROI,
	"l":       ColLong,
	"d":       ColDouble,
	"s":       ColString,
	"b":       ColBool,
}

// Token returns the short code for a column type.
func (t ColumnType) Token() string {
	for tok, ct := range columnTokens {
		if ct == t {
			return tok
		}
	}
	return "?"
}

// IsIdentifier reports whether values of this type are object ids
// resolved against the hierarchy.
func (t ColumnType) IsIdentifier() bool {
	switch t {
	case ColPlate, ColWell, ColImage, ColDataset, ColROI:
		return true
	}
	return false
}

// ParseColumnType maps a short code to a column type. Unknown tokens
// are a configuration error enumerating the valid set.
func ParseColumnType(token string) (ColumnType, error) {
	if t, ok := columnTokens[strings.ToLower(token)]; ok {
		return t, nil
	}
	valid := make([]string, 0, len(columnTokens))
	for tok := range columnTokens {
		valid = append(valid, tok)
	}
	sort.Strings(valid)
	return 0, fmt.Errorf("column type %q unknown, choose from: %s",
		token, strings.Join(valid, ","))
}

// ParseColumnTypes maps a full token list, failing on the first
// unknown token.
func ParseColumnTypes(tokens []string) ([]ColumnType, error) {
	types := make([]ColumnType, len(tokens))
	for i, tok := range tokens {
		t, err := ParseColumnType(tok)
		if err != nil {
			return nil, err
		}
		types[i] = t
	}
	return types, nil
}

// Column is one column of the remote table: a semantic type, display
// name, optional description, the maximum byte width seen for string
// values (storage sizing), and the value buffer for the current batch.
//
// Long/identifier values are int64, doubles float64, bools bool and
// strings string. The buffer is cleared after every batch flush.
type Column struct {
	Type        ColumnType
	Name        string
	Description string
	Size        int
	Values      []any
}

// Append adds one resolved value, growing Size for string values.
func (c *Column) Append(v any) {
	if s, ok := v.(string); ok && len(s) > c.Size {
		c.Size = len(s)
	}
	c.Values = append(c.Values, v)
}

// Reset clears the value buffer between batches, keeping the sizing.
func (c *Column) Reset() {
	c.Values = c.Values[:0]
}

// CloneSchema copies a column set without values, for re-deriving the
// write-phase schema from a plan.
func CloneSchema(cols []Column) []Column {
	out := make([]Column, len(cols))
	for i, c := range cols {
		out[i] = Column{Type: c.Type, Name: c.Name, Description: c.Description, Size: c.Size}
	}
	return out
}
