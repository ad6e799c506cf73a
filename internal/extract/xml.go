package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/mmcdole/gofeed"

	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

// XMLOptions select the extraction mode. With neither field set the
// structure is auto-detected.
type XMLOptions struct {
	XPath string
	Tag   string
}

// XML extracts rows from an XML document.
func XML(data []byte, opts XMLOptions) (*table.Table, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	root := rootElement(doc)
	if root == nil {
		return nil, ErrNoTable
	}

	var rows []*record
	switch {
	case opts.XPath != "":
		nodes, qErr := xmlquery.QueryAll(doc, opts.XPath)
		if qErr != nil {
			return nil, fmt.Errorf("xpath %q: %w", opts.XPath, qErr)
		}
		rows = elementRows(nodes, true)
	case opts.Tag != "":
		rows = elementRows(byTag(root, opts.Tag), true)
	default:
		if t, ok := autoXML(data, root); ok {
			return t, nil
		}
		rows = nestedRow(root)
	}

	t := recordsTable(rows)
	if t.IsEmpty() {
		return nil, ErrNoTable
	}
	return t, nil
}

// autoXML handles the repeated-sibling and feed layouts.
func autoXML(data []byte, root *xmlquery.Node) (*table.Table, bool) {
	children := childElements(root)
	if len(children) > 1 {
		tag := children[0].Data
		same := true
		for _, c := range children[1:] {
			if c.Data != tag {
				same = false
				break
			}
		}
		if same {
			t := recordsTable(elementRows(byTag(root, tag), false))
			return t, !t.IsEmpty()
		}
	}

	switch strings.ToLower(root.Data) {
	case "rss", "feed", "rdf":
		t, err := feedTable(data)
		if err == nil && !t.IsEmpty() {
			return t, true
		}
		// Feeds gofeed rejects still have <item> elements worth reading.
		t = recordsTable(elementRows(byTag(root, "item"), false))
		return t, !t.IsEmpty()
	}
	return nil, false
}

// feedTable parses RSS, Atom or RDF items.
func feedTable(data []byte) (*table.Table, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	t := table.New([]string{"title", "link", "description", "published", "author", "guid", "categories"})
	for _, item := range feed.Items {
		author := ""
		if item.Author != nil {
			author = item.Author.Name
		}
		published := item.Published
		if item.PublishedParsed != nil {
			published = item.PublishedParsed.UTC().Format("2006-01-02T15:04:05Z")
		}
		t.AppendRow([]any{
			nullable(item.Title),
			nullable(item.Link),
			nullable(strings.TrimSpace(item.Description)),
			nullable(published),
			nullable(author),
			nullable(item.GUID),
			nullable(strings.Join(item.Categories, ", ")),
		})
	}
	return t, nil
}

func rootElement(doc *xmlquery.Node) *xmlquery.Node {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

func childElements(n *xmlquery.Node) []*xmlquery.Node {
	var out []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

func byTag(root *xmlquery.Node, tag string) []*xmlquery.Node {
	nodes, err := xmlquery.QueryAll(root, fmt.Sprintf("//*[local-name()='%s']", tag))
	if err != nil {
		return nil
	}
	return nodes
}

// directText concatenates the element's own text nodes.
func directText(n *xmlquery.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.TextNode || c.Type == xmlquery.CharDataNode {
			b.WriteString(c.Data)
		}
	}
	return strings.TrimSpace(b.String())
}

// elementRows turns each element into a row of its text, attributes and
// child values. withChildAttrs also records child attributes as tag_attr.
func elementRows(nodes []*xmlquery.Node, withChildAttrs bool) []*record {
	var rows []*record
	for _, n := range nodes {
		if n.Type != xmlquery.ElementNode {
			if v := strings.TrimSpace(n.InnerText()); v != "" {
				r := newRecord()
				r.set("value", v)
				rows = append(rows, r)
			}
			continue
		}

		r := newRecord()
		if v := directText(n); v != "" {
			r.set("value", v)
		}
		for _, a := range n.Attr {
			if !isNamespaceAttr(a) {
				r.set(cleanTag(a.Name.Local), a.Value)
			}
		}
		for _, c := range childElements(n) {
			tag := cleanTag(c.Data)
			v := directText(c)
			if v == "" && len(childElements(c)) > 0 {
				v = strings.TrimSpace(c.InnerText())
			}
			if v == "" {
				continue
			}
			r.set(tag, v)
			if withChildAttrs {
				for _, a := range c.Attr {
					if !isNamespaceAttr(a) {
						r.set(tag+"_"+cleanTag(a.Name.Local), a.Value)
					}
				}
			}
		}
		if r.len() > 0 {
			rows = append(rows, r)
		}
	}
	return rows
}

// nestedRow flattens the whole document into one row keyed by tag paths.
func nestedRow(root *xmlquery.Node) []*record {
	r := newRecord()
	var walk func(n *xmlquery.Node, prefix string)
	walk = func(n *xmlquery.Node, prefix string) {
		key := cleanTag(n.Data)
		if prefix != "" {
			key = prefix + "_" + key
		}
		if v := directText(n); v != "" {
			r.set(key, v)
		}
		for _, a := range n.Attr {
			if !isNamespaceAttr(a) {
				r.set(key+"_"+cleanTag(a.Name.Local), a.Value)
			}
		}
		for _, c := range childElements(n) {
			walk(c, key)
		}
	}
	walk(root, "")
	if r.len() == 0 {
		return nil
	}
	return []*record{r}
}

func cleanTag(tag string) string {
	if i := strings.LastIndexAny(tag, ":}"); i >= 0 {
		tag = tag[i+1:]
	}
	return strings.ToLower(nonWord.ReplaceAllString(tag, "_"))
}

func isNamespaceAttr(a xmlquery.Attr) bool {
	return a.Name.Space == "xmlns" || a.Name.Local == "xmlns"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// record is a row that remembers key insertion order.
type record struct {
	keys   []string
	values map[string]any
}

func newRecord() *record {
	return &record{values: make(map[string]any)}
}

func (r *record) set(k string, v any) {
	if _, ok := r.values[k]; !ok {
		r.keys = append(r.keys, k)
	}
	r.values[k] = v
}

func (r *record) len() int { return len(r.keys) }

func recordsTable(rows []*record) *table.Table {
	var order []string
	seen := make(map[string]bool)
	maps := make([]map[string]any, len(rows))
	for i, r := range rows {
		for _, k := range r.keys {
			if !seen[k] {
				seen[k] = true
				order = append(order, k)
			}
		}
		maps[i] = r.values
	}
	return table.FromRecords(maps, order)
}
