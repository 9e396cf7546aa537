package tracker

import (
	"encoding/json"
	"strings"
)

// adfNode is one node of an Atlassian Document Format tree.
type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

var adfBlocks = map[string]bool{
	"paragraph":   true,
	"heading":     true,
	"codeBlock":   true,
	"blockquote":  true,
	"tableRow":    true,
	"panel":       true,
	"rule":        true,
	"mediaSingle": true,
}

// descriptionText turns a Jira description into plain text. Older sites
// send a string, Cloud sends an ADF document.
func descriptionText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var doc adfNode
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	var b strings.Builder
	flattenADF(&b, doc)
	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimRight(l, " ")
		if l == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func flattenADF(b *strings.Builder, n adfNode) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
		return
	case "hardBreak":
		b.WriteString("\n")
		return
	case "listItem":
		b.WriteString("- ")
	}
	for _, c := range n.Content {
		flattenADF(b, c)
	}
	if adfBlocks[n.Type] {
		b.WriteString("\n")
	}
}
