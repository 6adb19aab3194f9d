package frames

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"io"
	"os"
	"regexp"
)

const (
	xisfSignature = "XISF0100"
	xisfChunk     = 512 << 10
)

var (
	xisfCloseRe = regexp.MustCompile(`(?i)</\s*(?:\w+:)?xisf\s*>`)
	xisfOpenRe  = regexp.MustCompile(`(?i)<\?xml|<xisf`)
)

// readXISFHeader locates the XML header block and collects FITSKeyword and
// Property elements. nil means no usable header was found within limit.
func readXISFHeader(path string, limit int64) *header {
	raw := readXISFBlock(path, limit)
	if raw == nil {
		return nil
	}
	return parseXISFHeader(raw)
}

func readXISFBlock(path string, limit int64) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var buf bytes.Buffer
	chunk := make([]byte, xisfChunk)
	for int64(buf.Len()) < limit {
		want := int64(len(chunk))
		if rest := limit - int64(buf.Len()); rest < want {
			want = rest
		}
		n, err := f.Read(chunk[:want])
		buf.Write(chunk[:n])
		if loc := xisfCloseRe.FindIndex(buf.Bytes()); loc != nil {
			return trimToXML(buf.Bytes()[:loc[1]])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil
		}
	}
	return nil
}

// trimToXML drops the binary signature block (or anything else) ahead of the XML.
func trimToXML(b []byte) []byte {
	if len(b) >= 16 && string(b[:8]) == xisfSignature {
		size := binary.LittleEndian.Uint32(b[8:12])
		body := b[16:]
		if int(size) > 0 && int(size) < len(body) {
			body = body[:size]
		}
		b = body
	}
	if loc := xisfOpenRe.FindIndex(b); loc != nil {
		return b[loc[0]:]
	}
	return b
}

type xisfElement struct {
	Name    string  `xml:"name,attr"`
	Keyword string  `xml:"keyword,attr"`
	ID      string  `xml:"id,attr"`
	Value   *string `xml:"value,attr"`
	Text    string  `xml:",chardata"`
}

func (e xisfElement) value() string {
	if e.Value != nil && *e.Value != "" {
		return *e.Value
	}
	return e.Text
}

func parseXISFHeader(raw []byte) *header {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = false

	hdr := newHeader()
	found := false
	for {
		tok, err := dec.Token()
		if err != nil {
			// a truncated or odd document still yields whatever was decoded
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "FITSKeyword":
			var el xisfElement
			if err := dec.DecodeElement(&el, &se); err != nil {
				continue
			}
			name := el.Name
			if name == "" {
				name = el.Keyword
			}
			hdr.setKeyword(name, el.value())
			found = true
		case "Property":
			var el xisfElement
			if err := dec.DecodeElement(&el, &se); err != nil {
				continue
			}
			hdr.addProperty(el.ID, el.value())
			found = true
		default:
			if se.Name.Local == "xisf" || se.Name.Local == "XISF" {
				found = true
			}
		}
	}
	if !found {
		return nil
	}
	return hdr
}
