// Package xlink retargets XLink href attributes in upstream XML documents from
// the upstream host to the proxy's public address.
package xlink

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"

	"wms-proxy-go/internal/model"
)

// Namespace is the W3C XLink namespace.
const Namespace = "http://www.w3.org/1999/xlink"

const utf8Decl = `<?xml version="1.0" encoding="UTF-8"?>`

var (
	utf8BOM       = []byte{0xEF, 0xBB, 0xBF}
	encodingAttr  = regexp.MustCompile(`(encoding\s*=\s*)(["'])([A-Za-z0-9._:-]+)(["'])`)
	errNoRootElem = errors.New("document has no root element")
)

// Stats counts the XLink hrefs seen and rewritten in one document.
type Stats struct {
	Links     int
	Rewritten int
}

// Rewriter rewrites links whose host equals the upstream host.
type Rewriter struct {
	upstreamHost string
	proxyScheme  string
	proxyHost    string
}

// New returns a Rewriter mapping upstream's host onto proxy's scheme and host.
func New(upstream, proxy *url.URL) *Rewriter {
	return &Rewriter{
		upstreamHost: upstream.Host,
		proxyScheme:  proxy.Scheme,
		proxyHost:    proxy.Host,
	}
}

type edit struct {
	start, end int
	text       []byte
}

// Rewrite parses body as XML and returns it with matching xlink:href values
// retargeted. All other bytes are copied unchanged. The result is UTF-8 and
// always starts with an XML declaration. Parse failures wrap model.ErrMalformedXML.
func (rw *Rewriter) Rewrite(body []byte) ([]byte, Stats, error) {
	doc, hasDecl, err := toUTF8(bytes.TrimPrefix(body, utf8BOM))
	if err != nil {
		return nil, Stats{}, fmt.Errorf("%w: %w", model.ErrMalformedXML, err)
	}

	var (
		stats   Stats
		edits   []edit
		sawRoot bool
	)
	d := xml.NewDecoder(bytes.NewReader(doc))
	// toUTF8 leaves only UTF-8 compatible labels in the declaration.
	d.CharsetReader = func(label string, r io.Reader) (io.Reader, error) {
		if isUTF8(label) {
			return r, nil
		}
		return nil, fmt.Errorf("unsupported encoding %q", label)
	}
	for {
		start := int(d.InputOffset())
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, Stats{}, fmt.Errorf("%w: %w", model.ErrMalformedXML, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawRoot = true
		tag := doc[start:int(d.InputOffset())]

		var spans []span
		for i, a := range se.Attr {
			if a.Name.Space != Namespace || a.Name.Local != "href" {
				continue
			}
			stats.Links++
			oldPrefix, newValue, ok := rw.retarget(a.Value)
			if !ok {
				continue
			}
			if spans == nil {
				spans = attrSpans(tag)
			}
			if i >= len(spans) {
				return nil, Stats{}, fmt.Errorf("%w: cannot locate attribute %s in %q", model.ErrMalformedXML, a.Name.Local, tag)
			}
			sp := spans[i]
			edits = append(edits, edit{
				start: start + sp.start,
				end:   start + sp.end,
				text:  rawValue(tag[sp.start:sp.end], oldPrefix, newValue, rw.proxyPrefix()),
			})
			stats.Rewritten++
		}
	}
	if !sawRoot {
		return nil, Stats{}, fmt.Errorf("%w: %w", model.ErrMalformedXML, errNoRootElem)
	}

	var out bytes.Buffer
	out.Grow(len(doc) + len(utf8Decl) + 1)
	if !hasDecl {
		out.WriteString(utf8Decl)
		out.WriteByte('\n')
	}
	pos := 0
	for _, e := range edits {
		out.Write(doc[pos:e.start])
		out.Write(e.text)
		pos = e.end
	}
	out.Write(doc[pos:])
	return out.Bytes(), stats, nil
}

func (rw *Rewriter) proxyPrefix() string {
	return rw.proxyScheme + "://" + rw.proxyHost
}

// retarget returns the scheme+authority prefix of v and the rewritten value when
// v points at the upstream host.
func (rw *Rewriter) retarget(v string) (oldPrefix, newValue string, ok bool) {
	u, err := url.Parse(v)
	if err != nil || u.Host == "" || u.Host != rw.upstreamHost {
		return "", "", false
	}
	i := strings.Index(v, "//")
	if i < 0 {
		return "", "", false
	}
	authEnd := len(v)
	if j := strings.IndexAny(v[i+2:], "/?#"); j >= 0 {
		authEnd = i + 2 + j
	}
	return v[:authEnd], rw.proxyPrefix() + v[authEnd:], true
}

// rawValue keeps the original escaping of everything after the authority when
// the raw attribute text starts with the literal prefix; otherwise it escapes
// the whole new value.
func rawValue(raw []byte, oldPrefix, newValue, newPrefix string) []byte {
	if bytes.HasPrefix(raw, []byte(oldPrefix)) {
		var b bytes.Buffer
		_ = xml.EscapeText(&b, []byte(newPrefix))
		b.Write(raw[len(oldPrefix):])
		return b.Bytes()
	}
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(newValue))
	return b.Bytes()
}

// span is the byte range of an attribute value inside a start tag, quotes excluded.
type span struct{ start, end int }

// attrSpans scans a well-formed start tag and returns its attribute value spans
// in document order, matching xml.StartElement.Attr.
func attrSpans(tag []byte) []span {
	var spans []span
	i := 1
	for i < len(tag) && !isSpace(tag[i]) && tag[i] != '/' && tag[i] != '>' {
		i++
	}
	for {
		for i < len(tag) && isSpace(tag[i]) {
			i++
		}
		if i >= len(tag) || tag[i] == '/' || tag[i] == '>' {
			return spans
		}
		for i < len(tag) && tag[i] != '=' && !isSpace(tag[i]) {
			i++
		}
		for i < len(tag) && isSpace(tag[i]) {
			i++
		}
		if i >= len(tag) || tag[i] != '=' {
			return spans
		}
		i++
		for i < len(tag) && isSpace(tag[i]) {
			i++
		}
		if i >= len(tag) {
			return spans
		}
		quote := tag[i]
		i++
		j := bytes.IndexByte(tag[i:], quote)
		if j < 0 {
			return spans
		}
		spans = append(spans, span{start: i, end: i + j})
		i += j + 1
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// toUTF8 returns body as UTF-8 along with whether it has an XML declaration.
// A declaration naming another encoding is transcoded and rewritten to UTF-8.
func toUTF8(body []byte) ([]byte, bool, error) {
	decl, rest, ok := splitDecl(body)
	if !ok {
		return body, false, nil
	}
	m := encodingAttr.FindSubmatch(decl)
	if m == nil || isUTF8(string(m[3])) {
		return body, true, nil
	}

	enc, err := lookupEncoding(string(m[3]))
	if err != nil {
		return nil, true, err
	}
	converted, err := enc.NewDecoder().Bytes(rest)
	if err != nil {
		return nil, true, fmt.Errorf("decode %s: %w", m[3], err)
	}

	newDecl := encodingAttr.ReplaceAll(decl, []byte(`${1}${2}UTF-8${4}`))
	out := make([]byte, 0, len(newDecl)+len(converted))
	out = append(out, newDecl...)
	return append(out, converted...), true, nil
}

// splitDecl separates a leading <?xml ...?> declaration from the rest of body.
func splitDecl(body []byte) (decl, rest []byte, ok bool) {
	const open = "<?xml"
	if len(body) <= len(open) || !bytes.HasPrefix(body, []byte(open)) || !isSpace(body[len(open)]) {
		return nil, body, false
	}
	end := bytes.Index(body, []byte("?>"))
	if end < 0 {
		return nil, body, false
	}
	return body[:end+2], body[end+2:], true
}

func isUTF8(label string) bool {
	l := strings.ToLower(label)
	return l == "utf-8" || l == "utf8" || l == "us-ascii" || l == "ascii"
}

func lookupEncoding(label string) (encoding.Encoding, error) {
	if enc, err := ianaindex.IANA.Encoding(label); err == nil && enc != nil {
		return enc, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q", label)
	}
	return enc, nil
}
