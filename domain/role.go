package domain

import "sort"

// Role is the business type a file is classified as.
type Role string

const (
	RoleSettlement         Role = "settlement"
	RoleEInvoice           Role = "e_invoice"
	RoleInvoicePackingList Role = "invoice_packing_list"
	RoleCommercialInvoice  Role = "commercial_invoice"
	RolePackingList        Role = "packing_list"
	RoleExportDeclaration  Role = "export_declaration"
	RoleOrder              Role = "order"
)

// Roles lists every role in classification priority order.
var Roles = []Role{
	RoleSettlement,
	RoleEInvoice,
	RoleInvoicePackingList,
	RoleCommercialInvoice,
	RolePackingList,
	RoleExportDeclaration,
	RoleOrder,
}

// ClassifiedSet maps each singular role to one filename. Export declarations may be
// plural and are kept separately in ExportDeclarations.
type ClassifiedSet struct {
	Files              map[Role]string `json:"files"`
	ExportDeclarations []string        `json:"exportDeclarations,omitempty"`
}

func NewClassifiedSet() ClassifiedSet {
	return ClassifiedSet{Files: make(map[Role]string)}
}

// File returns the filename classified under r. RoleExportDeclaration always reports false;
// use ExportDeclarations for it.
func (s ClassifiedSet) File(r Role) (string, bool) {
	if s.Files == nil {
		return "", false
	}
	name, ok := s.Files[r]
	return name, ok
}

// Empty reports whether nothing was classified.
func (s ClassifiedSet) Empty() bool {
	return len(s.Files) == 0 && len(s.ExportDeclarations) == 0
}

// Names returns every classified filename, sorted.
func (s ClassifiedSet) Names() []string {
	out := make([]string, 0, len(s.Files)+len(s.ExportDeclarations))
	for _, name := range s.Files {
		out = append(out, name)
	}
	out = append(out, s.ExportDeclarations...)
	sort.Strings(out)
	return out
}
