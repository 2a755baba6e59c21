package snapshot

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/flosch/pongo2/v6"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"invoice-export/internal/domain"
)

// DefaultHiddenAttr marks editor-only nodes that never reach the artifact.
const DefaultHiddenAttr = "data-export-hidden"

var (
	ErrNilRoot        = errors.New("snapshot: root is nil")
	ErrRootNotElement = errors.New("snapshot: root must be an element")
	ErrBadHiddenAttr  = errors.New("snapshot: invalid hidden attribute name")
	ErrBadPageFormat  = errors.New("snapshot: page format must have positive dimensions")
)

var attrNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Options tune the document shell around the serialized tree.
type Options struct {
	PageFormat domain.PageFormat
	Title      string
	// HiddenAttr overrides DefaultHiddenAttr.
	HiddenAttr string
}

var shell = pongo2.Must(pongo2.FromString(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{ title }}</title>
{% if fonts %}<link rel="preconnect" href="https://fonts.googleapis.com">
<link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
{% for href in fonts %}<link rel="stylesheet" href="{{ href }}">
{% endfor %}{% endif %}<style>
* { -webkit-print-color-adjust: exact; print-color-adjust: exact; }
@page { size: {{ width }} {{ height }}; margin: 0; }
html, body { margin: 0; padding: 0; }
body { width: {{ width }}; min-height: {{ height }}; }
</style>
</head>
<body>{{ body|safe }}</body>
</html>
`))

// Serialize clones root into a standalone HTML document. Every element of
// the clone carries the allow-listed part of its live counterpart's computed
// style, scripts and inline handlers are gone, and nodes flagged with the
// hidden attribute are removed. root is not modified.
func Serialize(root *LiveNode, opts Options) (string, error) {
	if root == nil {
		return "", ErrNilRoot
	}
	if root.Type != ElementNode {
		return "", ErrRootNotElement
	}
	hidden := opts.HiddenAttr
	if hidden == "" {
		hidden = DefaultHiddenAttr
	}
	if !attrNameRe.MatchString(hidden) {
		return "", fmt.Errorf("%w: %q", ErrBadHiddenAttr, hidden)
	}
	if opts.PageFormat.Width <= 0 || opts.PageFormat.Height <= 0 {
		return "", ErrBadPageFormat
	}

	clone := cloneTree(root)
	inline(root, clone)

	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	body.AppendChild(clone)

	doc := goquery.NewDocumentFromNode(body)
	doc.Find("script").Remove()
	doc.Find("[" + hidden + "]").Remove()
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		dropHandlers(s)
	})

	inner, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("snapshot: render clone: %w", err)
	}

	title := opts.Title
	if title == "" {
		title = "Invoice"
	}
	out, err := shell.Execute(pongo2.Context{
		"title":  title,
		"fonts":  fontLinks(root.Style["font-family"]),
		"width":  inches(opts.PageFormat.Width),
		"height": inches(opts.PageFormat.Height),
		"body":   inner,
	})
	if err != nil {
		return "", fmt.Errorf("snapshot: execute shell: %w", err)
	}
	return out, nil
}

// cloneTree copies the structure and attributes of n without any style work.
func cloneTree(n *LiveNode) *html.Node {
	var c *html.Node
	switch n.Type {
	case ElementNode:
		tag := strings.ToLower(n.Tag)
		c = &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
		for _, a := range n.Attrs {
			c.Attr = append(c.Attr, html.Attribute{Key: strings.ToLower(a.Name), Val: a.Value})
		}
	case CommentNode:
		c = &html.Node{Type: html.CommentNode, Data: n.Text}
	default:
		c = &html.Node{Type: html.TextNode, Data: n.Text}
	}
	for _, child := range n.Children {
		if child == nil {
			continue
		}
		c.AppendChild(cloneTree(child))
	}
	return c
}

// inline walks the live tree and its clone in lockstep and writes the
// computed style of each live element onto the matching clone element.
func inline(live *LiveNode, clone *html.Node) {
	if live.Type == ElementNode {
		setAttr(clone, "style", inlineStyle(live.Style))
	}
	c := clone.FirstChild
	for _, lc := range live.Children {
		if lc == nil {
			continue
		}
		if c == nil {
			return
		}
		inline(lc, c)
		c = c.NextSibling
	}
}

func inlineStyle(style map[string]string) string {
	var b strings.Builder
	for _, prop := range inlinedProperties {
		v := strings.TrimSpace(style[prop])
		if v == "" || noopValues[v] {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(prop)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteByte(';')
	}
	return b.String()
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			if val == "" {
				n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			} else {
				n.Attr[i].Val = val
			}
			return
		}
	}
	if val != "" {
		n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	}
}

// dropHandlers removes inline event handlers and javascript: URLs.
func dropHandlers(s *goquery.Selection) {
	for _, n := range s.Nodes {
		var drop []string
		for _, a := range n.Attr {
			if strings.HasPrefix(a.Key, "on") ||
				strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:") {
				drop = append(drop, a.Key)
			}
		}
		for _, k := range drop {
			s.RemoveAttr(k)
		}
	}
}

func inches(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "in"
}
