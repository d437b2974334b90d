package model

import (
	"strings"
	"testing"
)

// ============================================================================
// Well coordinate math
// ============================================================================

func TestWellName(t *testing.T) {
	tests := []struct {
		row, col int
		want     string
	}{
		{0, 0, "A1"},
		{0, 26, "A27"},
		{7, 11, "H12"},
		{25, 0, "Z1"},
		{26, 0, "AA1"},
		{51, 383, "AZ384"},
	}
	for _, tt := range tests {
		if got := WellName(tt.row, tt.col); got != tt.want {
			t.Errorf("WellName(%d, %d) = %q, want %q", tt.row, tt.col, got, tt.want)
		}
	}
}

func TestParseWellName(t *testing.T) {
	tests := []struct {
		in       string
		row, col int
	}{
		{"A1", 0, 0},
		{"a1", 0, 0},
		{"A27", 0, 26},
		{"AA1", 26, 0},
		{"az384", 51, 383},
	}
	for _, tt := range tests {
		row, col, err := ParseWellName(tt.in)
		if err != nil {
			t.Errorf("ParseWellName(%q): %v", tt.in, err)
			continue
		}
		if row != tt.row || col != tt.col {
			t.Errorf("ParseWellName(%q) = (%d, %d), want (%d, %d)", tt.in, row, col, tt.row, tt.col)
		}
	}
}

func TestParseWellNameInvalid(t *testing.T) {
	for _, in := range []string{"", "1A", "A", "12", "A0", "ZZ1", "A-1"} {
		if _, _, err := ParseWellName(in); err == nil {
			t.Errorf("ParseWellName(%q) succeeded, want error", in)
		}
	}
}

func TestRowLetterRange(t *testing.T) {
	if _, ok := RowLetter(52); ok {
		t.Error("row 52 should be out of range")
	}
	if _, ok := RowLetter(-1); ok {
		t.Error("negative row should be out of range")
	}
}

// ============================================================================
// Column type tokens
// ============================================================================

func TestParseColumnTypeUnknownEnumeratesValidSet(t *testing.T) {
	_, err := ParseColumnType("float")
	if err == nil {
		t.Fatal("expected error for unknown token")
	}
	for _, tok := range []string{"plate", "well", "image", "dataset", "roi", "l", "d", "s", "b"} {
		if !strings.Contains(err.Error(), tok) {
			t.Errorf("error %q does not list token %q", err, tok)
		}
	}
}

func TestParseColumnTypesCaseInsensitive(t *testing.T) {
	types, err := ParseColumnTypes([]string{"Well", "S", "d"})
	if err != nil {
		t.Fatalf("ParseColumnTypes: %v", err)
	}
	want := []ColumnType{ColWell, ColString, ColDouble}
	for i, ct := range types {
		if ct != want[i] {
			t.Errorf("types[%d] = %v, want %v", i, ct, want[i])
		}
	}
}

// ============================================================================
// Target references
// ============================================================================

func TestParseTargetRef(t *testing.T) {
	ref, err := ParseTargetRef("Plate:42")
	if err != nil {
		t.Fatalf("ParseTargetRef: %v", err)
	}
	if ref.Kind != KindPlate || ref.ID != 42 {
		t.Errorf("ref = %v, want Plate:42", ref)
	}
	if ref.String() != "Plate:42" {
		t.Errorf("String() = %q", ref.String())
	}
}

func TestParseTargetRefRejectsNonRoots(t *testing.T) {
	for _, in := range []string{"Well:3", "WellSample:1", "Plate", "Plate:x", "plate:1"} {
		if _, err := ParseTargetRef(in); err == nil {
			t.Errorf("ParseTargetRef(%q) succeeded, want error", in)
		}
	}
}

func TestColumnAppendGrowsSize(t *testing.T) {
	c := Column{Type: ColString, Name: "Gene"}
	c.Append("kras")
	c.Append("mycn-variant")
	c.Append("tp")
	if c.Size != len("mycn-variant") {
		t.Errorf("Size = %d, want %d", c.Size, len("mycn-variant"))
	}
	c.Reset()
	if len(c.Values) != 0 || c.Size != len("mycn-variant") {
		t.Error("Reset must clear values and keep sizing")
	}
}
