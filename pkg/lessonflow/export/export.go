// Package export renders a lesson-plan draft into the accessible export
// variants. The executor uses these renderers for any configured variant
// the model did not produce.
package export

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"slices"
	"strings"
	texttemplate "text/template"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/plan"
)

// ErrUnknownVariant is returned for a variant with no renderer.
var ErrUnknownVariant = errors.New("unknown export variant")

// ErrNilDraft is returned when there is nothing to render.
var ErrNilDraft = errors.New("nil draft")

type view struct {
	*plan.Draft
	Profile  *plan.AccessibilityProfile
	FontSize string
	Spacing  string
}

var funcs = map[string]any{
	"inc":  func(i int) int { return i + 1 },
	"join": strings.Join,
}

var htmlPage = htmltemplate.Must(htmltemplate.New("page").Funcs(funcs).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>body{font-family:Arial,Helvetica,sans-serif;font-size:{{.FontSize}};line-height:{{.Spacing}};max-width:48em;margin:auto;padding:1em}</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
<p>{{.Subject}}{{if .GradeLevel}}, grade {{.GradeLevel}}{{end}}{{if .DurationMinutes}}, {{.DurationMinutes}} minutes{{end}}</p>
{{if .Objectives}}<h2>Objectives</h2>
<ul>{{range .Objectives}}<li>{{.}}</li>{{end}}</ul>{{end}}
{{if .Standards}}<h2>Standards</h2>
<p>{{join .Standards ", "}}</p>{{end}}
{{if .Materials}}<h2>Materials</h2>
<ul>{{range .Materials}}<li>{{.}}</li>{{end}}</ul>{{end}}
<h2>Lesson steps</h2>
<ol>{{range .Steps}}<li><h3>{{.Title}} ({{.DurationMinutes}} min)</h3><p>{{.Instructions}}</p></li>{{end}}</ol>
{{if .Accommodations}}<h2>Accommodations</h2>
<ul>{{range .Accommodations}}<li><strong>{{.Need}}</strong>: {{.Strategy}}</li>{{end}}</ul>{{end}}
{{if .Assessment}}<h2>Assessment</h2>
<p>{{.Assessment}}</p>{{end}}
{{with .Profile}}{{if .Notes}}<h2>Class notes</h2>
<p>{{.Notes}}</p>{{end}}{{end}}
</main>
</body>
</html>
`))

var lowDistraction = htmltemplate.Must(htmltemplate.New("low").Funcs(funcs).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>body{font-family:Verdana,sans-serif;font-size:14pt;line-height:1.8;color:#222;background:#fdfdf8;max-width:36em;margin:auto;padding:1em}section{margin-bottom:2em}</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
{{if .Objectives}}<section><h2>Today you will</h2>
<ul>{{range .Objectives}}<li>{{.}}</li>{{end}}</ul></section>{{end}}
{{range $i, $s := .Steps}}<section><h2>Step {{inc $i}}: {{$s.Title}}</h2>
<p>{{$s.Instructions}}</p>
<p>Time: {{$s.DurationMinutes}} minutes</p></section>
{{end}}{{if .Assessment}}<section><h2>Check your learning</h2>
<p>{{.Assessment}}</p></section>{{end}}
</main>
</body>
</html>
`))

var audioScript = texttemplate.Must(texttemplate.New("audio").Funcs(funcs).Parse(`Lesson: {{.Title}}.
{{if .Subject}}This is a {{.Subject}} lesson{{if .DurationMinutes}} that lasts about {{.DurationMinutes}} minutes{{end}}.
{{end}}{{if .Objectives}}
By the end of this lesson you will be able to:
{{range .Objectives}}{{.}}.
{{end}}{{end}}{{range $i, $s := .Steps}}
Step {{inc $i}}. {{$s.Title}}. This takes about {{$s.DurationMinutes}} minutes.
{{$s.Instructions}}
{{end}}{{if .Assessment}}
To finish: {{.Assessment}}
{{end}}`))

var plainText = texttemplate.Must(texttemplate.New("plain").Funcs(funcs).Parse(`{{.Title}}
{{if .Subject}}Subject: {{.Subject}}
{{end}}{{if .GradeLevel}}Grade: {{.GradeLevel}}
{{end}}{{if .DurationMinutes}}Duration: {{.DurationMinutes}} minutes
{{end}}{{if .Objectives}}
Objectives:
{{range .Objectives}}- {{.}}
{{end}}{{end}}{{if .Standards}}
Standards: {{join .Standards ", "}}
{{end}}{{if .Materials}}
Materials:
{{range .Materials}}- {{.}}
{{end}}{{end}}
Steps:
{{range $i, $s := .Steps}}{{inc $i}}. {{$s.Title}} ({{$s.DurationMinutes}} min): {{$s.Instructions}}
{{end}}{{if .Accommodations}}
Accommodations:
{{range .Accommodations}}- {{.Need}}: {{.Strategy}}
{{end}}{{end}}{{if .Assessment}}
Assessment: {{.Assessment}}
{{end}}`))

var markdown = texttemplate.Must(texttemplate.New("markdown").Funcs(funcs).Parse(`# {{.Title}}
{{if .Subject}}
**Subject:** {{.Subject}}{{if .GradeLevel}} | **Grade:** {{.GradeLevel}}{{end}}{{if .DurationMinutes}} | **Duration:** {{.DurationMinutes}} min{{end}}
{{end}}{{if .Objectives}}
## Objectives

{{range .Objectives}}- {{.}}
{{end}}{{end}}{{if .Standards}}
## Standards

{{range .Standards}}- ` + "`{{.}}`" + `
{{end}}{{end}}{{if .Materials}}
## Materials

{{range .Materials}}- {{.}}
{{end}}{{end}}
## Steps

{{range $i, $s := .Steps}}{{inc $i}}. **{{$s.Title}}** ({{$s.DurationMinutes}} min): {{$s.Instructions}}
{{end}}{{if .Accommodations}}
## Accommodations

{{range .Accommodations}}- **{{.Need}}**: {{.Strategy}}
{{end}}{{end}}{{if .Assessment}}
## Assessment

{{.Assessment}}
{{end}}`))

type renderer struct {
	html *htmltemplate.Template
	text *texttemplate.Template
	font string
	line string
}

var renderers = map[string]renderer{
	plan.VariantStandardHTML:       {html: htmlPage, font: "12pt", line: "1.5"},
	plan.VariantLargePrintHTML:     {html: htmlPage, font: "20pt", line: "1.8"},
	plan.VariantLowDistractionHTML: {html: lowDistraction},
	plan.VariantAudioScript:        {text: audioScript},
	plan.VariantPlainText:          {text: plainText},
	plan.VariantMarkdown:           {text: markdown},
}

// Supported returns the variants with a renderer, sorted.
func Supported() []string {
	names := make([]string, 0, len(renderers))
	for name := range renderers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsSupported reports whether variant has a renderer.
func IsSupported(variant string) bool {
	_, ok := renderers[variant]
	return ok
}

// Render produces one export variant of d.
func Render(variant string, d *plan.Draft, profile *plan.AccessibilityProfile) (string, error) {
	if d == nil {
		return "", ErrNilDraft
	}
	r, ok := renderers[variant]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}

	v := view{Draft: d, Profile: profile, FontSize: r.font, Spacing: r.line}
	var buf bytes.Buffer
	var err error
	if r.html != nil {
		err = r.html.Execute(&buf, v)
	} else {
		err = r.text.Execute(&buf, v)
	}
	if err != nil {
		return "", fmt.Errorf("render %s: %w", variant, err)
	}
	return buf.String(), nil
}

// RenderAll renders every variant. It stops at the first failure.
func RenderAll(variants []string, d *plan.Draft, profile *plan.AccessibilityProfile) (map[string]string, error) {
	out := make(map[string]string, len(variants))
	for _, name := range variants {
		content, err := Render(name, d, profile)
		if err != nil {
			return nil, err
		}
		out[name] = content
	}
	return out, nil
}
