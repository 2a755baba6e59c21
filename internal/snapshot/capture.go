package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/css"
	"github.com/chromedp/chromedp"
)

// ErrNotMounted is returned by Capture when the selector matches nothing.
var ErrNotMounted = errors.New("snapshot: target not mounted")

// populateWait gives DOM.setChildNodes events time to land in the node tree.
const populateWait = 100 * time.Millisecond

// Capture reads the subtree rooted at the first node matching selector,
// together with the computed style of every element, from a chromedp tab.
// It does not wait for the selector to appear.
func Capture(ctx context.Context, selector string) (*LiveNode, error) {
	var nodes []*cdp.Node
	err := chromedp.Run(ctx, chromedp.Nodes(selector, &nodes,
		chromedp.ByQuery,
		chromedp.AtLeast(0),
		chromedp.Populate(-1, false, chromedp.PopulateWait(populateWait)),
	))
	if err != nil {
		return nil, fmt.Errorf("snapshot: query %q: %w", selector, err)
	}
	if len(nodes) == 0 {
		return nil, ErrNotMounted
	}

	var root *LiveNode
	err = chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		root, err = fromCDP(nodes[0], func(id cdp.NodeID) (map[string]string, error) {
			props, err := css.GetComputedStyleForNode(id).Do(ctx)
			if err != nil {
				return nil, err
			}
			return styleMap(props), nil
		})
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("snapshot: computed style: %w", err)
	}
	return root, nil
}

type styleFunc func(cdp.NodeID) (map[string]string, error)

// fromCDP converts a populated cdp.Node tree. Node kinds other than
// elements, text and comments are skipped.
func fromCDP(n *cdp.Node, style styleFunc) (*LiveNode, error) {
	n.RLock()
	children := append([]*cdp.Node(nil), n.Children...)
	n.RUnlock()

	var out *LiveNode
	switch n.NodeType {
	case cdp.NodeTypeElement:
		st, err := style(n.NodeID)
		if err != nil {
			return nil, fmt.Errorf("node %d <%s>: %w", n.NodeID, n.LocalName, err)
		}
		out = &LiveNode{Type: ElementNode, Tag: strings.ToLower(n.LocalName), Style: st}
		for i := 0; i+1 < len(n.Attributes); i += 2 {
			out.Attrs = append(out.Attrs, Attr{Name: n.Attributes[i], Value: n.Attributes[i+1]})
		}
	case cdp.NodeTypeText:
		return &LiveNode{Type: TextNode, Text: n.NodeValue}, nil
	case cdp.NodeTypeComment:
		return &LiveNode{Type: CommentNode, Text: n.NodeValue}, nil
	default:
		return nil, nil
	}

	for _, c := range children {
		lc, err := fromCDP(c, style)
		if err != nil {
			return nil, err
		}
		if lc != nil {
			out.Children = append(out.Children, lc)
		}
	}
	return out, nil
}

func styleMap(props []*css.ComputedStyleProperty) map[string]string {
	m := make(map[string]string, len(props))
	for _, p := range props {
		m[p.Name] = p.Value
	}
	return m
}
