// Package export renders a transcript as Markdown or HTML.
package export

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/go-go-golems/naxie/pkg/chatstate"
)

const markdownTemplate = `{{- if .Title }}# {{ .Title }}

{{ end -}}
{{- range .Entries }}
## {{ roleLabel .Role }}{{ if not .Timestamp.IsZero }} ({{ .Timestamp.Format "2006-01-02 15:04" }}){{ end }}

{{ if .Content }}{{ .Content }}
{{ end -}}
{{- if .Refs }}{{ if .Refs.Refs }}
**References**

{{ range $i, $r := .Refs.Refs }}{{ add $i 1 }}. {{ refLabel $r }}
{{ end }}{{ end }}{{ if webSearch .Refs }}
_Answer used web search._
{{ end }}{{ end -}}
{{- end }}`

var tmpl = template.Must(template.New("transcript").Funcs(template.FuncMap{
	"roleLabel": roleLabel,
	"refLabel":  RefLabel,
	"add":       func(a, b int) int { return a + b },
	"webSearch": func(c *chatstate.Citations) bool { return c.WebSearch != nil && *c.WebSearch },
}).Parse(markdownTemplate))

type Options struct {
	Title string
}

func roleLabel(r chatstate.Role) string {
	switch r {
	case chatstate.RoleUser:
		return "User"
	case chatstate.RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// RefLabel formats a reference for display: the best available name, the page and the
// URL when it differs from the name.
func RefLabel(r chatstate.Reference) string {
	name := r.FileName
	if name == "" {
		name = r.Title
	}
	if name == "" {
		name = r.URL
	}
	if name == "" {
		name = "untitled source"
	}
	var b strings.Builder
	if r.URL != "" && r.URL != name {
		fmt.Fprintf(&b, "[%s](%s)", name, r.URL)
	} else {
		b.WriteString(name)
	}
	if r.Page > 0 {
		fmt.Fprintf(&b, ", page %d", r.Page)
	}
	return b.String()
}

// Markdown renders the transcript with one section per entry. References are listed
// under the entry they belong to.
func Markdown(t chatstate.Transcript, opts Options) (string, error) {
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, struct {
		Title   string
		Entries []chatstate.Entry
	}{Title: opts.Title, Entries: t.Entries()})
	if err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return strings.TrimLeft(buf.String(), "\n"), nil
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML renders the transcript to a standalone HTML document.
func HTML(t chatstate.Transcript, opts Options) (string, error) {
	src, err := Markdown(t, opts)
	if err != nil {
		return "", err
	}
	var body bytes.Buffer
	if err := md.Convert([]byte(src), &body); err != nil {
		return "", errors.Wrap(err, "render html")
	}
	title := opts.Title
	if title == "" {
		title = "Conversation"
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n", html.EscapeString(title))
	out.Write(body.Bytes())
	out.WriteString("</body>\n</html>\n")
	return out.String(), nil
}
