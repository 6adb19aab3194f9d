package frames

import (
	"errors"
	"io"
	"os"
	"strings"
)

const (
	fitsCardLen   = 80
	fitsRecordLen = 2880
)

// readFITSHeader parses the primary header of a FITS file, scanning at most
// limit bytes. It returns nil when the file is unreadable or not FITS.
func readFITSHeader(path string, limit int64) *header {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	hdr := newHeader()
	record := make([]byte, fitsRecordLen)
	var read int64
	first := true

	for read+fitsRecordLen <= limit {
		if _, err := io.ReadFull(f, record); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				break
			}
			return nil
		}
		read += fitsRecordLen

		for off := 0; off < fitsRecordLen; off += fitsCardLen {
			card := string(record[off : off+fitsCardLen])
			key := strings.TrimSpace(card[:8])
			if first {
				if key != "SIMPLE" && key != "XTENSION" {
					return nil
				}
				first = false
			}
			if key == "END" {
				return hdr
			}
			if key == "" || card[8] != '=' {
				continue
			}
			if val, ok := parseCardValue(card[10:]); ok {
				hdr.addKeyword(key, val)
			}
		}
	}
	// no END inside the cap; keep what was parsed
	if first {
		return nil
	}
	return hdr
}

// parseCardValue extracts the value field of a card, dropping the comment.
// String values keep their surrounding quotes so unquote can strip them.
func parseCardValue(s string) (string, bool) {
	s = strings.TrimLeft(s, " ")
	if s == "" {
		return "", false
	}
	if s[0] == '\'' {
		var b strings.Builder
		b.WriteByte('\'')
		for i := 1; i < len(s); i++ {
			if s[i] == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				return strings.TrimRight(b.String(), " ") + "'", true
			}
			b.WriteByte(s[i])
		}
		return "", false
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
