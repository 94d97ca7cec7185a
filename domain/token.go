package domain

// Token is one recognised text span and its axis-aligned box in image pixels.
// Extractors return tokens in a stable order; every index-based structure
// (DiffIndexSet, annotation) refers to positions in that slice.
type Token struct {
	Text   string `json:"text"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// DiffIndexSet holds, per side, the token indices whose normalized text does not occur
// anywhere on the other side. The two lists are independent and may differ in length.
type DiffIndexSet struct {
	Excel []int `json:"excel"`
	PDF   []int `json:"pdf"`
}

// Empty reports whether both sides matched completely.
func (d DiffIndexSet) Empty() bool { return len(d.Excel) == 0 && len(d.PDF) == 0 }
