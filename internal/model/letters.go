package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// rowLetters enumerates the alphabetic row labels in order: A-Z, then
// the two-letter extension AA-AZ for plates with more than 26 rows.
var rowLetters = buildRowLetters()

func buildRowLetters() []string {
	letters := make([]string, 0, 52)
	for c := 'A'; c <= 'Z'; c++ {
		letters = append(letters, string(c))
	}
	for c := 'A'; c <= 'Z'; c++ {
		letters = append(letters, "A"+string(c))
	}
	return letters
}

// wellRegex validates well references such as "A1" or "aa27".
var wellRegex = regexp.MustCompile(`^([a-zA-Z]+)(\d+)$`)

// RowLetter returns the alphabetic label for a 0-based row index.
func RowLetter(row int) (string, bool) {
	if row < 0 || row >= len(rowLetters) {
		return "", false
	}
	return rowLetters[row], true
}

// RowIndex decodes an alphabetic row label to its 0-based index.
// Matching is case-insensitive.
func RowIndex(letter string) (int, bool) {
	upper := strings.ToUpper(letter)
	for i, l := range rowLetters {
		if l == upper {
			return i, true
		}
	}
	return 0, false
}

// WellName renders 0-based row/column indices as the customary
// letter-number form, e.g. (0, 0) -> "A1".
func WellName(row, col int) string {
	letter, ok := RowLetter(row)
	if !ok {
		letter = "?"
	}
	return fmt.Sprintf("%s%d", letter, col+1)
}

// ParseWellName splits a well reference into 0-based row/column
// indices. The numeric part is 1-based in the input.
func ParseWellName(s string) (row, col int, err error) {
	m := wellRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("cannot parse well identifier %q", s)
	}
	r, ok := RowIndex(m[1])
	if !ok {
		return 0, 0, fmt.Errorf("well row %q out of range", m[1])
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return 0, 0, fmt.Errorf("well column %q out of range", m[2])
	}
	return r, n - 1, nil
}
