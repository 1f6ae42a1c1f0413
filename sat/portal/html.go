package portal

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// form is an HTML form with the values a browser would submit.
type form struct {
	ID     string
	Action string
	Method string
	Values url.Values
	// visible counts inputs a user would have to fill in.
	visible int
}

func parseHTML(body []byte) (*html.Node, error) {
	return html.Parse(bytes.NewReader(body))
}

// walk visits n and its descendants depth first until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

func byID(root *html.Node, id string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return found
}

func elements(root *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == a {
			out = append(out, n)
		}
		return true
	})
	return out
}

var spaces = regexp.MustCompile(`\s+`)

// text returns the collapsed text content of n.
func text(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
		return true
	})
	return strings.TrimSpace(spaces.ReplaceAllString(b.String(), " "))
}

func forms(root *html.Node) []form {
	var out []form
	for _, f := range elements(root, atom.Form) {
		out = append(out, readForm(f))
	}
	return out
}

func readForm(n *html.Node) form {
	f := form{
		ID:     attr(n, "id"),
		Action: attr(n, "action"),
		Method: strings.ToUpper(attr(n, "method")),
		Values: url.Values{},
	}
	walk(n, func(c *html.Node) bool {
		if c.Type != html.ElementNode {
			return true
		}
		name := attr(c, "name")
		switch c.DataAtom {
		case atom.Input:
			typ := strings.ToLower(attr(c, "type"))
			switch typ {
			case "hidden":
			case "submit", "button", "image", "reset", "file":
				return true
			case "checkbox", "radio":
				if !hasAttr(c, "checked") {
					return true
				}
				f.visible++
			default:
				f.visible++
			}
			if name != "" {
				f.Values.Set(name, attr(c, "value"))
			}
		case atom.Select:
			f.visible++
			if name != "" {
				f.Values.Set(name, selected(c))
			}
			return false
		case atom.Textarea:
			f.visible++
			if name != "" {
				f.Values.Set(name, text(c))
			}
		}
		return true
	})
	return f
}

func selected(sel *html.Node) string {
	var first, chosen *html.Node
	walk(sel, func(c *html.Node) bool {
		if c.Type == html.ElementNode && c.DataAtom == atom.Option {
			if first == nil {
				first = c
			}
			if hasAttr(c, "selected") && chosen == nil {
				chosen = c
			}
		}
		return true
	})
	if chosen == nil {
		chosen = first
	}
	if chosen == nil {
		return ""
	}
	if hasAttr(chosen, "value") {
		return attr(chosen, "value")
	}
	return text(chosen)
}

// autoSubmit reports whether f is one of the hidden forms the login flow submits
// with javascript on page load.
func (f form) autoSubmit() bool {
	return f.Action != "" && f.visible == 0 && len(f.Values) > 0
}

// submitsOnLoad detects pages whose script posts their only form right away.
func submitsOnLoad(root *html.Node) bool {
	found := false
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if n.DataAtom == atom.Body && strings.Contains(attr(n, "onload"), "submit") {
			found = true
		}
		if n.DataAtom == atom.Script && strings.Contains(text(n), ".submit()") {
			found = true
		}
		return !found
	})
	return found
}

// resolve makes ref absolute against the URL of the page it was found on.
func resolve(page *url.URL, ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return page.ResolveReference(u).String(), nil
}
