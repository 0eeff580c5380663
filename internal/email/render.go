package email

import (
	"fmt"
	"html/template"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"earshot/internal/store"
)

var subjectCaser = cases.Title(language.English)

// OutboundEmail is a rendered message ready for transport.
type OutboundEmail struct {
	To       string
	Subject  string
	BodyHTML string
}

var bodyTemplate = template.Must(template.New("analysis_email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family:Segoe UI,Arial,sans-serif;max-width:720px;margin:0 auto;">
<h2>{{.Symbol}} &mdash; {{.Quarter}} FY{{.Year}} Earnings Call</h2>
<p><strong>{{.Name}}</strong></p>
<div style="white-space:pre-wrap;">{{.Output}}</div>
<hr>
<p style="color:#888;font-size:12px;">Generated by {{.Model}} &middot; {{.TokensIn}} tokens in, {{.TokensOut}} tokens out</p>
</body>
</html>`))

// Render builds the notification email for one analysis.
func Render(recipient string, equity *store.Equity, transcript *store.Transcript, analysis *store.Analysis) (OutboundEmail, error) {
	var body strings.Builder
	data := struct {
		Symbol    string
		Name      string
		Quarter   string
		Year      int
		Output    string
		Model     string
		TokensIn  int64
		TokensOut int64
	}{
		Symbol:    equity.Symbol,
		Name:      subjectCaser.String(strings.ToLower(equity.Name)),
		Quarter:   string(transcript.Quarter),
		Year:      transcript.Year,
		Output:    analysis.OutputText,
		Model:     analysis.ModelProvider + "/" + analysis.ModelID,
		TokensIn:  analysis.TokensIn,
		TokensOut: analysis.TokensOut,
	}
	if err := bodyTemplate.Execute(&body, data); err != nil {
		return OutboundEmail{}, fmt.Errorf("render email: %w", err)
	}

	subject := fmt.Sprintf("%s %s FY%d earnings call analysis", equity.Symbol, transcript.Quarter, transcript.Year)
	return OutboundEmail{
		To:       recipient,
		Subject:  subject,
		BodyHTML: body.String(),
	}, nil
}
