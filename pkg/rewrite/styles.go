package rewrite

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/polisai/glyphcloak/pkg/dom"
)

const baseRules = `.gc{white-space:normal;word-break:normal;overflow-wrap:normal}
.gc-w,.gc-s{display:inline-block;white-space:nowrap}
mark.gc-hit{background:#fff176;color:inherit}
mark.gc-hit-current{background:#ffa726}
`

var cssURL = strings.NewReplacer(`"`, "%22", `\`, "%5C", "\n", "", "\r", "")

// Stylesheet renders the font faces and segment rules. Fonts that failed to
// load get no @font-face rule.
func Stylesheet(fonts []Font) string {
	var b strings.Builder
	seen := make(map[string]bool)
	for _, f := range fonts {
		if !f.Loaded || f.Family == "" || f.URL == "" || seen[f.Family] {
			continue
		}
		seen[f.Family] = true
		format := "woff2"
		if strings.HasSuffix(strings.ToLower(f.URL), ".woff") {
			format = "woff"
		}
		fmt.Fprintf(&b, "@font-face{font-family:'%s';src:url(\"%s\") format(\"%s\");font-display:block}\n",
			f.Family, cssURL.Replace(f.URL), format)
	}
	b.WriteString(baseRules)
	return b.String()
}

// InjectStyles installs the cloaking stylesheet in the document head,
// replacing one injected earlier. A head element is created if missing.
func InjectStyles(doc *html.Node, fonts []Font) {
	head := dom.Find(doc, atom.Head)
	if head == nil {
		htmlEl := dom.Find(doc, atom.Html)
		if htmlEl == nil {
			return
		}
		head = dom.Element(atom.Head)
		htmlEl.InsertBefore(head, htmlEl.FirstChild)
	}

	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if id, _ := dom.Attr(c, "id"); dom.IsElement(c, atom.Style) && id == dom.StyleID {
			head.RemoveChild(c)
			break
		}
	}

	style := dom.Element(atom.Style, html.Attribute{Key: "id", Val: dom.StyleID})
	style.AppendChild(dom.Text(Stylesheet(fonts)))
	head.AppendChild(style)
}

// FontFamilies lists the distinct font families used by containers under
// root, sorted.
func FontFamilies(root *html.Node) []string {
	set := make(map[string]bool)
	for _, c := range Containers(root) {
		if f, _ := dom.Attr(c, dom.CloakAttr); f != "" {
			set[f] = true
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}
