package convert

import (
	"archive/zip"
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/h2non/filetype"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// sniffLen is enough for all signatures filetype knows about.
const sniffLen = 512

var pageExtensions = []string{".html", ".htm", ".xhtml"}

func hasPageExtension(name string) bool {
	return slices.Contains(pageExtensions, strings.ToLower(path.Ext(name)))
}

func readHeader(r io.Reader) ([]byte, error) {
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// isArchiveFile checks extension first and then makes sure file is a zip
// archive.
func isArchiveFile(fname string) (bool, error) {
	if !strings.EqualFold(path.Ext(fname), ".zip") {
		return false, nil
	}
	f, err := os.Open(fname)
	if err != nil {
		return false, err
	}
	defer f.Close()

	header, err := readHeader(f)
	if err != nil {
		return false, err
	}
	return filetype.Is(header, "zip"), nil
}

// isPage rejects content recognized as any known binary type.
func isPage(header []byte) bool {
	if len(header) == 0 {
		return false
	}
	kind, _ := filetype.Match(header)
	return kind == filetype.Unknown
}

func isPageFile(fname string) (bool, error) {
	if !hasPageExtension(fname) {
		return false, nil
	}
	f, err := os.Open(fname)
	if err != nil {
		return false, err
	}
	defer f.Close()

	header, err := readHeader(f)
	if err != nil {
		return false, err
	}
	return isPage(header), nil
}

func isPageInArchive(f *zip.File) (bool, error) {
	if !hasPageExtension(f.Name) {
		return false, nil
	}
	r, err := f.Open()
	if err != nil {
		return false, err
	}
	defer r.Close()

	header, err := readHeader(r)
	if err != nil {
		return false, err
	}
	return isPage(header), nil
}

// prescanLen is how far HTML parsers look for charset declaration.
const prescanLen = 1024

// pageReader returns page content converted to UTF-8. Encoding is detected
// by BOM or declaration in the page, pages with neither are UTF-8.
func pageReader(r io.Reader) (io.Reader, string, error) {
	br := bufio.NewReaderSize(r, prescanLen)
	header, err := br.Peek(prescanLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, "", err
	}

	enc, name, certain := charset.DetermineEncoding(header, "text/html")
	switch {
	case certain:
		// decided by BOM which must not get into the page
		return transform.NewReader(br, unicode.BOMOverride(encoding.Nop.NewDecoder())), name, nil
	case name == "utf-8", name == "windows-1252" && !bytes.Contains(bytes.ToLower(header), []byte("charset")):
		return br, "utf-8", nil
	}
	return transform.NewReader(br, enc.NewDecoder()), name, nil
}
