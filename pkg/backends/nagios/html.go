package nagios

import (
	"strings"

	"golang.org/x/net/html"
)

// Small DOM helpers for the status.cgi and cmd.cgi pages. The CGIs emit
// markup that html.Parse fixes up silently, so all lookups work on the
// repaired tree.

func findAll(n *html.Node, pred func(*html.Node) bool) []*html.Node {
	var nodes []*html.Node

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && pred(n) {
			nodes = append(nodes, n)
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	return nodes
}

func findFirst(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if nodes := findAll(n, pred); len(nodes) > 0 {
		return nodes[0]
	}

	return nil
}

func byTag(name string) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.Data == name }
}

func byTagClass(name, class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Data == name && strings.Contains(attr(n, "class"), class)
	}
}

func byAttr(key, value string) func(*html.Node) bool {
	return func(n *html.Node) bool { return attr(n, key) == value }
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}

	return ""
}

// children returns the direct element children of n with the given tag.
func children(n *html.Node, tag string) []*html.Node {
	var nodes []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			nodes = append(nodes, c)
		}
	}

	return nodes
}

// text returns the concatenated text content of n with all runs of
// whitespace collapsed, the way the CGI pages intersperse layout
// whitespace.
func text(n *html.Node) string {
	var b strings.Builder

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	return strings.Join(strings.Fields(strings.ReplaceAll(b.String(), "\u00a0", " ")), " ")
}

// statusTableRows locates the status table and returns its data rows.
// Some Icinga versions wrap the rows in a tbody, some do not, and the
// first row is always the table head.
func statusTableRows(doc *html.Node) []*html.Node {
	table := findFirst(doc, byTagClass("table", "status"))
	if table == nil {
		return nil
	}

	parent := table
	if tbody := children(table, "tbody"); len(tbody) > 0 {
		parent = tbody[0]
	}

	rows := children(parent, "tr")
	if len(rows) < 2 {
		return nil
	}

	return rows[1:]
}

// inputValue returns the value of the <input name=...> element, used to
// scrape prefilled times from cmd.cgi forms.
func inputValue(doc *html.Node, name string) string {
	if input := findFirst(doc, byAttr("name", name)); input != nil {
		return attr(input, "value")
	}

	return ""
}

// iconFlags returns the basenames of all status icons below n.
func iconFlags(n *html.Node) []string {
	var icons []string
	for _, img := range findAll(n, byTag("img")) {
		if src := attr(img, "src"); src != "" {
			parts := strings.Split(src, "/")
			icons = append(icons, parts[len(parts)-1])
		}
	}

	return icons
}
