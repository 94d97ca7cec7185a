package textdiff

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Sub Total": "SUBTOTAL",
		" a\tb\nc ": "ABC",
		"1,200.00":  "1,200.00",
		"":          "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	a := []string{"INVOICE", "No. 42", "TOTAL", "1,200.00"}
	d := Diff(a, a)
	if !d.Empty() {
		t.Fatalf("Diff(A,A) = %+v, want empty", d)
	}
}

func TestDiffIgnoresCaseWhitespaceAndOrder(t *testing.T) {
	d := Diff([]string{"Sub Total", "USD"}, []string{"usd", "SUBTOTAL"})
	if !d.Empty() {
		t.Fatalf("got %+v, want empty", d)
	}
}

func TestDiffSidesAreIndependent(t *testing.T) {
	excel := []string{"SUBTOTAL", "1,200.00", "PO-778"}
	pdf := []string{"SUBTOTAL", "1,250.00", "PO-778", "STAMP", "1,250.00"}

	d := Diff(excel, pdf)
	if want := []int{1}; !reflect.DeepEqual(d.Excel, want) {
		t.Fatalf("excel = %v, want %v", d.Excel, want)
	}
	if want := []int{1, 3, 4}; !reflect.DeepEqual(d.PDF, want) {
		t.Fatalf("pdf = %v, want %v", d.PDF, want)
	}
}

func TestDiffEmptySide(t *testing.T) {
	d := Diff(nil, []string{"A", "B"})
	if len(d.Excel) != 0 || !reflect.DeepEqual(d.PDF, []int{0, 1}) {
		t.Fatalf("got %+v", d)
	}
}
