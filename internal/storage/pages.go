package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"

	pdf "github.com/ledongthuc/pdf"

	"github.com/orrn/httprint/internal/core"
)

var pdfMagic = []byte("%PDF-")

// PDFPageCounter counts pages of stored PDF documents.
type PDFPageCounter struct{}

func (PDFPageCounter) CountPages(path string) (n int, err error) {
	isPDF, err := hasPDFMagic(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	if !isPDF {
		return 0, core.ErrNotPDF
	}

	// The parser panics on some malformed documents.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("parse pdf: %v", r)
		}
	}()

	f, doc, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	defer f.Close()

	return doc.NumPage(), nil
}

func hasPDFMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, pdfMagic), nil
}
