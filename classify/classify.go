// Package classify tags the files of a task workspace with their document role.
package classify

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"docdiff/domain"
)

type rule struct {
	role     domain.Role
	keywords []string
	exts     []string
}

var spreadsheetExts = []string{".XLSX", ".XLS"}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{role: domain.RoleSettlement, keywords: []string{"SETTLE"}, exts: spreadsheetExts},
	{role: domain.RoleEInvoice, keywords: []string{"VAT", "E-INV"}, exts: []string{".XML"}},
	{role: domain.RoleInvoicePackingList, keywords: []string{"CI&PKL"}, exts: spreadsheetExts},
	{role: domain.RoleCommercialInvoice, keywords: []string{"CI"}, exts: spreadsheetExts},
	{role: domain.RolePackingList, keywords: []string{"PKL"}, exts: spreadsheetExts},
	{role: domain.RoleExportDeclaration, keywords: []string{"TKX"}, exts: spreadsheetExts},
	{role: domain.RoleOrder, keywords: []string{"PO", "SO", "PC", "SC"}, exts: spreadsheetExts},
}

// RoleOf returns the role for a single filename.
func RoleOf(name string) (domain.Role, bool) {
	upper := strings.ToUpper(name)
	ext := filepath.Ext(upper)
	for _, r := range rules {
		if !contains(r.exts, ext) {
			continue
		}
		for _, kw := range r.keywords {
			if strings.Contains(upper, kw) {
				return r.role, true
			}
		}
	}
	return "", false
}

// Scan classifies every regular file directly under dir. A missing dir yields an empty set.
// Files are visited in name order, so when two files claim the same singular role the
// later name wins.
func Scan(dir string, logger *slog.Logger) (domain.ClassifiedSet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	set := domain.NewClassifiedSet()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("classify: workspace not found", "dir", dir)
			return set, nil
		}
		return set, err
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		role, ok := RoleOf(name)
		if !ok {
			continue
		}
		if role == domain.RoleExportDeclaration {
			set.ExportDeclarations = append(set.ExportDeclarations, name)
			logger.Debug("classified", "file", name, "role", role)
			continue
		}
		if prev, dup := set.Files[role]; dup {
			logger.Warn("classify: role already taken, replacing", "role", role, "previous", prev, "file", name)
		}
		set.Files[role] = name
		logger.Debug("classified", "file", name, "role", role)
	}
	sort.Strings(set.ExportDeclarations)
	return set, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
