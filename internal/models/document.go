package models

import "fmt"

// DocumentKind enumerates the documents a marking run consumes.
type DocumentKind string

const (
	DocumentSubmission     DocumentKind = "submission"
	DocumentMarkingScheme  DocumentKind = "marking_scheme"
	DocumentThresholdTable DocumentKind = "threshold_table"
)

// Label is how the document is named to the assessor.
func (k DocumentKind) Label() string {
	switch k {
	case DocumentSubmission:
		return "the exam paper that the candidate has written"
	case DocumentMarkingScheme:
		return "the marking scheme"
	case DocumentThresholdTable:
		return "the grade threshold table"
	default:
		return string(k)
	}
}

// PageImage is a single rendered page. Numbers start at 1.
type PageImage struct {
	Number   int
	MIMEType string
	Data     []byte
}

// Document is an ordered sequence of page images.
type Document struct {
	Kind  DocumentKind
	Pages []PageImage
}

// PageCount returns the number of pages.
func (d Document) PageCount() int {
	return len(d.Pages)
}

// Slice returns pages first..last inclusive, in document order.
func (d Document) Slice(first, last int) ([]PageImage, error) {
	if first < 1 || last < first || last > len(d.Pages) {
		return nil, fmt.Errorf("page range %d-%d outside %s of %d pages", first, last, d.Kind, len(d.Pages))
	}
	pages := make([]PageImage, 0, last-first+1)
	for _, page := range d.Pages[first-1 : last] {
		pages = append(pages, page)
	}
	return pages, nil
}
