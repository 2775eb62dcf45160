// Package htmlnorm normalizes the small, fixed HTML-fragment grammar
// the board API embeds in post comments (greentext quotes, spoilers,
// code blocks, colored "fortunes", and so on) into the bbcode-ish
// marker form the Asagi-compatible archive stores, and fingerprints
// raw comments for cheap change detection.
package htmlnorm

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// CommentFingerprint returns the 64-bit xxHash of the raw, un-normalized
// comment body. Two comments with the same fingerprint are treated as
// identical by ThreadFetcher's should_update check.
func CommentFingerprint(raw string) uint64 {
	return xxhash.Sum64String(raw)
}

// kind is the recognized-tag classification a node collapses to, one
// step short of its serialized bbcode-ish marker.
type kind int

const (
	kindQuiet kind = iota // root placeholder; prints nothing itself
	kindLink              // <a>, a.quotelink, span.deadlink: prints children only
	kindBold
	kindBreak
	kindItalic
	kindSpoiler
	kindSubscript
	kindSuperscript
	kindUnderline
	kindWordBreak // <wbr>: prints nothing
	kindCode
	kindExif // table.exif, span.abbr: swallows all descendants
	kindFortune
	kindQstColor
	kindQuote // span.quote: prints children, not itself
	kindShiftJIS
	kindBanned
	kindUnknown
)

type classified struct {
	kind    kind
	name    string // original tag name, for kindUnknown
	color   string // fortune hex color or qstcolor name
	attrs   []html.Attribute
}

var fortuneColorRe = regexp.MustCompile(`color:\s*#([0-9a-fA-F]{3,6})`)
var bannedColorRe = regexp.MustCompile(`color:\s*red`)

var voidUnknownTags = map[string]bool{
	"area": true, "base": true, "basefont": true, "bgsound": true,
	"col": true, "embed": true, "frame": true, "hr": true, "img": true,
	"input": true, "keygen": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true,
}

var rawTextUnknownTags = map[string]bool{
	"style": true, "script": true, "xmp": true, "iframe": true,
	"noembed": true, "noframes": true, "plaintext": true,
}

func attrValue(attrs []html.Attribute, key string) (string, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func classify(n *html.Node) classified {
	name := n.Data
	class, hasClass := attrValue(n.Attr, "class")
	style, hasStyle := attrValue(n.Attr, "style")

	if hasClass {
		switch {
		case name == "a" && class == "quotelink":
			return classified{kind: kindLink}
		case name == "span" && class == "deadlink":
			return classified{kind: kindLink}
		case name == "pre" && class == "prettyprint":
			return classified{kind: kindCode}
		case name == "table" && class == "exif":
			return classified{kind: kindExif}
		case name == "span" && class == "abbr":
			return classified{kind: kindExif}
		case name == "span" && class == "fortune":
			color := ""
			if m := fortuneColorRe.FindStringSubmatch(style); m != nil {
				color = m[1]
			}
			return classified{kind: kindFortune, color: color}
		case name == "span" && class == "mu-s":
			return classified{kind: kindBold}
		case name == "span" && class == "mu-i":
			return classified{kind: kindItalic}
		case name == "span" && class == "mu-r":
			return classified{kind: kindQstColor, color: "red"}
		case name == "span" && class == "mu-g":
			return classified{kind: kindQstColor, color: "green"}
		case name == "span" && class == "mu-b":
			return classified{kind: kindQstColor, color: "blue"}
		case name == "span" && class == "quote":
			return classified{kind: kindQuote}
		case name == "span" && class == "sjis":
			return classified{kind: kindShiftJIS}
		}
		return classified{kind: kindUnknown, name: name, attrs: n.Attr}
	}

	if hasStyle {
		if (name == "b" || name == "strong") && bannedColorRe.MatchString(style) {
			return classified{kind: kindBanned}
		}
		return classified{kind: kindUnknown, name: name, attrs: n.Attr}
	}

	switch name {
	case "a":
		return classified{kind: kindLink}
	case "b":
		return classified{kind: kindBold}
	case "br":
		return classified{kind: kindBreak}
	case "i":
		return classified{kind: kindItalic}
	case "s":
		return classified{kind: kindSpoiler}
	case "sub":
		return classified{kind: kindSubscript}
	case "sup":
		return classified{kind: kindSuperscript}
	case "u":
		return classified{kind: kindUnderline}
	case "wbr":
		return classified{kind: kindWordBreak}
	}
	return classified{kind: kindUnknown, name: name, attrs: n.Attr}
}

func markerName(k kind) string {
	switch k {
	case kindBanned:
		return "banned"
	case kindBold:
		return "b"
	case kindCode:
		return "code"
	case kindFortune:
		return "fortune"
	case kindItalic:
		return "i"
	case kindQstColor:
		return "qstcolor"
	case kindShiftJIS:
		return "shiftjis"
	case kindSpoiler:
		return "spoiler"
	case kindSubscript:
		return "sub"
	case kindSuperscript:
		return "sup"
	case kindUnderline:
		return "u"
	default:
		return ""
	}
}

// Normalize parses raw as an HTML fragment (in the context of a <body>
// element, matching the wire format's fragments) and re-serializes it
// per the fixed tag grammar §4.6 describes: recognized tags collapse to
// bbcode-ish markers, everything else passes through as literal HTML
// with entities escaped, and the whole result is right-trimmed.
//
// Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s),
// since every recognized tag serializes to plain text markers that no
// longer parse back into the tags that produced them.
func Normalize(raw string) string {
	nodes, err := html.ParseFragment(strings.NewReader(raw), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		// Malformed input is passed through as text rather than
		// failing the post (spec's stated leniency for the grammar).
		return strings.TrimRight(escapeText(raw), " \t\r\n")
	}

	var b strings.Builder
	stack := []kind{kindQuiet}
	var render func(n *html.Node)
	render = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if stack[len(stack)-1] == kindExif {
				return
			}
			if isRawTextParent(n) {
				b.WriteString(n.Data)
			} else {
				b.WriteString(escapeText(n.Data))
			}
		case html.ElementNode:
			if stack[len(stack)-1] == kindExif {
				// Descend to consume the subtree, but discard output.
				discard(n)
				return
			}
			c := classify(n)
			stack = append(stack, c.kind)
			writeStart(&b, c)
			for child := n.FirstChild; child != nil; child = child.NextSibling {
				render(child)
			}
			writeEnd(&b, c)
			stack = stack[:len(stack)-1]
		default:
			for child := n.FirstChild; child != nil; child = child.NextSibling {
				render(child)
			}
		}
	}
	for _, n := range nodes {
		render(n)
	}

	return strings.TrimRight(b.String(), " \t\r\n")
}

func isRawTextParent(textNode *html.Node) bool {
	p := textNode.Parent
	if p == nil || p.Type != html.ElementNode {
		return false
	}
	if _, hasClass := attrValue(p.Attr, "class"); hasClass {
		return false
	}
	if _, hasStyle := attrValue(p.Attr, "style"); hasStyle {
		return false
	}
	return rawTextUnknownTags[p.Data]
}

func discard(n *html.Node) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode {
			discard(child)
		}
	}
}

func writeStart(b *strings.Builder, c classified) {
	switch c.kind {
	case kindLink, kindWordBreak, kindExif, kindQuiet, kindQuote:
		return
	case kindBreak:
		b.WriteByte('\n')
		return
	case kindUnknown:
		writeUnknownStart(b, c)
		return
	}
	m := markerName(c.kind)
	if m == "" {
		return
	}
	b.WriteByte('[')
	b.WriteString(m)
	if c.kind == kindQstColor {
		b.WriteByte('=')
		b.WriteString(c.color)
	}
	if c.kind == kindFortune && c.color != "" {
		b.WriteString(` color="#`)
		b.WriteString(c.color)
		b.WriteByte('"')
	}
	b.WriteByte(']')
}

func writeEnd(b *strings.Builder, c classified) {
	switch c.kind {
	case kindLink, kindWordBreak, kindExif, kindQuiet, kindBreak, kindQuote:
		return
	case kindUnknown:
		if voidUnknownTags[c.name] {
			return
		}
		b.WriteString("</")
		b.WriteString(c.name)
		b.WriteByte('>')
		return
	}
	m := markerName(c.kind)
	if m == "" {
		return
	}
	b.WriteString("[/")
	b.WriteString(m)
	b.WriteByte(']')
}

// writeUnknownStart reproduces the original serializer's attribute
// order for tags it doesn't recognize: class first, then style, then
// the remaining attributes in their original relative order. This can
// differ from the source order when class/style weren't already first
// — an acknowledged, harmless quirk callers must not depend on.
func writeUnknownStart(b *strings.Builder, c classified) {
	b.WriteByte('<')
	b.WriteString(c.name)
	var class, style string
	var hasClass, hasStyle bool
	var other []html.Attribute
	for _, a := range c.attrs {
		switch a.Key {
		case "class":
			class, hasClass = a.Val, true
		case "style":
			style, hasStyle = a.Val, true
		default:
			other = append(other, a)
		}
	}
	if hasClass {
		writeAttr(b, "class", class)
	}
	if hasStyle {
		writeAttr(b, "style", style)
	}
	for _, a := range other {
		writeAttr(b, a.Key, a.Val)
	}
	b.WriteByte('>')
}

func writeAttr(b *strings.Builder, key, val string) {
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteString(`="`)
	b.WriteString(escapeAttr(val))
	b.WriteByte('"')
}

func escapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, " ", "&nbsp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, " ", "&nbsp;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

// namedRefs is the fixed set of named character references decoded in
// usernames and titles. &#039; is the one numeric reference in the set;
// other numeric references (&#39; etc.) are left untouched.
var namedRefs = map[string]string{
	"&amp;":  "&",
	"&lt;":   "<",
	"&gt;":   ">",
	"&quot;": "\"",
	"&#039;": "'",
}

// UnescapeName decodes the fixed named-reference set used in usernames
// and thread subjects. Order matters: & must be replaced last, or
// "&amp;gt;" would incorrectly collapse to ">".
func UnescapeName(s string) string {
	s = strings.ReplaceAll(s, "&#039;", "'")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}
