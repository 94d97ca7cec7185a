package domain

import (
	"errors"
	"fmt"
)

// FailureKind classifies pipeline errors.
type FailureKind string

const (
	FailureRender         FailureKind = "render"
	FailureNotFound       FailureKind = "not_found"
	FailureUnreadable     FailureKind = "unreadable"
	FailureRecognition    FailureKind = "recognition"
	FailurePageMismatch   FailureKind = "page_mismatch"
	FailureAllPagesFailed FailureKind = "all_pages_failed"
	FailureStorage        FailureKind = "storage"
)

// Failure is the error type returned by every pipeline stage.
type Failure struct {
	Kind    FailureKind
	Stage   string
	Message string
	Err     error

	// Set only for FailurePageMismatch.
	ExcelPages int
	PDFPages   int
}

func (f *Failure) Error() string {
	prefix := string(f.Kind)
	if f.Stage != "" {
		prefix = f.Stage + "/" + prefix
	}
	if f.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, f.Message, f.Err)
	}
	return fmt.Sprintf("[%s] %s", prefix, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is lets errors.Is match on kind alone: errors.Is(err, &Failure{Kind: FailureRender}).
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return t.Kind == f.Kind && (t.Stage == "" || t.Stage == f.Stage)
}

func NewFailure(kind FailureKind, stage, message string, err error) *Failure {
	return &Failure{Kind: kind, Stage: stage, Message: message, Err: err}
}

func RenderFailure(message string, err error) *Failure {
	return NewFailure(FailureRender, "render", message, err)
}

func NotFoundFailure(stage, path string) *Failure {
	return NewFailure(FailureNotFound, stage, "file not found: "+path, nil)
}

func UnreadableFailure(stage, message string, err error) *Failure {
	return NewFailure(FailureUnreadable, stage, message, err)
}

func RecognitionFailure(message string, err error) *Failure {
	return NewFailure(FailureRecognition, "extract", message, err)
}

func StorageFailure(message string, err error) *Failure {
	return NewFailure(FailureStorage, "upload", message, err)
}

func PageMismatchFailure(excelPages, pdfPages int) *Failure {
	f := NewFailure(FailurePageMismatch, "validate",
		fmt.Sprintf("page count mismatch: excel=%d pdf=%d", excelPages, pdfPages), nil)
	f.ExcelPages = excelPages
	f.PDFPages = pdfPages
	return f
}

func AllPagesFailedFailure(pages int, first error) *Failure {
	return NewFailure(FailureAllPagesFailed, "compare", fmt.Sprintf("all %d pages failed", pages), first)
}

// KindOf returns the kind of the first Failure in err's chain, or "" if there is none.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// StageOf returns the stage of the first Failure in err's chain.
func StageOf(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Stage
	}
	return ""
}
