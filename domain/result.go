package domain

// PagePair is the outcome of one successfully compared page.
// The image names are the annotated file names; the objects are where they were stored.
type PagePair struct {
	Page           int    `json:"page"`
	ExcelImageName string `json:"excelImage"`
	PDFImageName   string `json:"pdfImage"`
	ExcelObject    string `json:"excelObject,omitempty"`
	PDFObject      string `json:"pdfObject,omitempty"`
	ExcelDiffs     int    `json:"excelDiffs"`
	PDFDiffs       int    `json:"pdfDiffs"`

	// Signed download URLs, filled by the worker when the store can sign.
	ExcelImageURL string `json:"excelImageUrl,omitempty"`
	PDFImageURL   string `json:"pdfImageUrl,omitempty"`
}

// PageFailure records why a single page could not be compared.
type PageFailure struct {
	Page  int         `json:"page"`
	Kind  FailureKind `json:"kind"`
	Stage string      `json:"stage"`
	Error string      `json:"error"`
}

// ComparisonResult lists compared pages and page failures, each ordered by page number.
type ComparisonResult struct {
	TaskID    string        `json:"taskId"`
	ExcelName string        `json:"excelName"`
	PDFName   string        `json:"pdfName"`
	PageCount int           `json:"pageCount"`
	Pages     []PagePair    `json:"pages"`
	Failures  []PageFailure `json:"failures,omitempty"`
}

// Partial reports whether some, but not all, pages failed.
func (r *ComparisonResult) Partial() bool {
	return r != nil && len(r.Failures) > 0 && len(r.Pages) > 0
}
