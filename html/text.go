package html

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements that start a new paragraph, i.e., that are separated from their
// surroundings by a blank line in the text rendering.
var paragraphElements = map[atom.Atom]struct{}{
	atom.P:          {},
	atom.H1:         {},
	atom.H2:         {},
	atom.H3:         {},
	atom.H4:         {},
	atom.H5:         {},
	atom.H6:         {},
	atom.Ul:         {},
	atom.Ol:         {},
	atom.Table:      {},
	atom.Blockquote: {},
	atom.Pre:        {},
	atom.Hr:         {},
}

// Elements that start a new line but not a new paragraph.
var lineElements = map[atom.Atom]struct{}{
	atom.Div:     {},
	atom.Tr:      {},
	atom.Section: {},
	atom.Article: {},
	atom.Header:  {},
	atom.Footer:  {},
	atom.Li:      {},
	atom.Dt:      {},
	atom.Dd:      {},
}

// Elements whose content never makes it into the text rendering.
var skippedElements = map[atom.Atom]struct{}{
	atom.Head:     {},
	atom.Script:   {},
	atom.Style:    {},
	atom.Template: {},
	atom.Noscript: {},
}

// Text renders the HTML document read from r as plain text. Whitespace is
// collapsed the way a browser would, block elements become line breaks, list
// items get a "- " marker and links are followed by their target in
// parentheses unless the link text already is the target.
func Text(r io.Reader) (string, error) {
	n, err := xhtml.Parse(r)
	if err != nil {
		return "", fmt.Errorf("can't parse the HTML body: %v", err)
	}

	tw := &textWriter{}
	tw.walk(n)
	return strings.TrimSpace(tw.buf.String()), nil
}

// TextFromBytes is a convenience wrapper around Text.
func TextFromBytes(b []byte) (string, error) {
	return Text(bytes.NewReader(b))
}

// textWriter accumulates text while walking the parsed document. Line breaks
// and spaces are kept pending until the next piece of text arrives so that
// trailing whitespace never ends up in the output.
type textWriter struct {
	buf          strings.Builder
	pendingLines int
	pendingSpace bool
}

func (tw *textWriter) walk(n *xhtml.Node) {
	switch n.Type {
	case xhtml.TextNode:
		tw.text(n.Data)
		return
	case xhtml.ElementNode:
		if _, ok := skippedElements[n.DataAtom]; ok {
			return
		}
	case xhtml.CommentNode, xhtml.DoctypeNode:
		return
	}

	_, para := paragraphElements[n.DataAtom]
	_, line := lineElements[n.DataAtom]
	if n.Type == xhtml.ElementNode {
		switch {
		case para:
			tw.breakLines(2)
		case line:
			tw.breakLines(1)
		case n.DataAtom == atom.Br:
			tw.forceLine()
		}
		if n.DataAtom == atom.Li {
			tw.raw("- ")
		}
	}

	start := tw.buf.Len()
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		tw.walk(c)
	}

	if n.Type != xhtml.ElementNode {
		return
	}
	if n.DataAtom == atom.A {
		tw.link(n, start)
	}
	switch {
	case para:
		tw.breakLines(2)
	case line:
		tw.breakLines(1)
	}
}

// link appends the href of an anchor unless it's empty, a fragment, or
// already present as the anchor's text.
func (tw *textWriter) link(n *xhtml.Node, start int) {
	var href string
	for _, a := range n.Attr {
		if a.Key == "href" {
			href = strings.TrimSpace(a.Val)
		}
	}
	if href == "" || strings.HasPrefix(href, "#") {
		return
	}
	label := strings.TrimSpace(tw.buf.String()[start:])
	href = strings.TrimPrefix(href, "mailto:")
	if label == href {
		return
	}
	if label == "" {
		tw.raw(href)
		return
	}
	tw.pendingSpace = true
	tw.raw("(" + href + ")")
}

func (tw *textWriter) text(s string) {
	words := strings.Fields(s)
	if len(words) == 0 {
		if s != "" {
			tw.pendingSpace = true
		}
		return
	}
	if startsWithSpace(s) {
		tw.pendingSpace = true
	}
	tw.raw(strings.Join(words, " "))
	if endsWithSpace(s) {
		tw.pendingSpace = true
	}
}

// raw writes s after flushing pending whitespace.
func (tw *textWriter) raw(s string) {
	if tw.buf.Len() > 0 {
		if tw.pendingLines > 0 {
			tw.buf.WriteString(strings.Repeat("\n", tw.pendingLines))
		} else if tw.pendingSpace && !tw.endsWithSpace() {
			tw.buf.WriteByte(' ')
		}
	}
	tw.pendingLines = 0
	tw.pendingSpace = false
	tw.buf.WriteString(s)
}

// breakLines requests at least n line breaks before the next text. Breaks at
// the very start of the document are dropped.
func (tw *textWriter) breakLines(n int) {
	if tw.buf.Len() == 0 {
		return
	}
	if n > tw.pendingLines {
		tw.pendingLines = n
	}
}

// forceLine handles <br>, which always adds a line break, even directly
// after another one.
func (tw *textWriter) forceLine() {
	if tw.buf.Len() == 0 {
		return
	}
	tw.pendingLines++
}

func (tw *textWriter) endsWithSpace() bool {
	s := tw.buf.String()
	if s == "" {
		return true
	}
	last := s[len(s)-1]
	return last == ' ' || last == '\n'
}

func startsWithSpace(s string) bool {
	return strings.TrimLeft(s, " \t\r\n\f") != s
}

func endsWithSpace(s string) bool {
	return strings.TrimRight(s, " \t\r\n\f") != s
}
