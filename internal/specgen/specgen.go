// Package specgen drafts issue_json for a drafting session from free-form notes using an LLM.
package specgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"afu9/internal/domain"
	"afu9/internal/engine"
)

// ErrNoDocument is returned when the model reply contains no JSON object.
var ErrNoDocument = errors.New("model reply contains no JSON document")

// Model completes a single prompt.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type Request struct {
	SessionID string
	Title     string
	Notes     string
	Labels    []string
}

// Result carries the stored draft and the validation problems of the generated document.
type Result struct {
	Draft    domain.Draft         `json:"draft"`
	Document engine.DraftDocument `json:"document"`
	Problems []string             `json:"problems,omitempty"`
}

type Generator struct {
	Engine engine.Engine
	Model  Model
}

func New(eng engine.Engine, model Model) *Generator {
	return &Generator{Engine: eng, Model: model}
}

// Generate asks the model for a draft, stores it for the session and validates it.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return Result{}, engine.ValidationError{Field: "session_id", Message: "is required"}
	}
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Notes) == "" {
		return Result{}, engine.ValidationError{Field: "notes", Message: "title or notes are required"}
	}
	if g.Model == nil {
		return Result{}, errors.New("specgen: no model configured")
	}
	prompt, err := renderPrompt(req)
	if err != nil {
		return Result{}, fmt.Errorf("render prompt: %w", err)
	}
	reply, err := g.Model.Complete(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	raw, err := ExtractJSON(reply)
	if err != nil {
		return Result{}, err
	}
	if _, err := g.Engine.SaveDraft(ctx, req.SessionID, raw); err != nil {
		return Result{}, err
	}
	v, err := g.Engine.ValidateDraft(ctx, req.SessionID)
	if err != nil {
		return Result{}, err
	}
	doc, _ := engine.ParseDraftDocument(raw)
	return Result{Draft: v.Draft, Document: doc, Problems: v.Problems}, nil
}

// ExtractJSON returns the first complete JSON object in s, tolerating code fences and prose.
func ExtractJSON(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		dec := json.NewDecoder(strings.NewReader(s[start:]))
		var obj map[string]any
		if err := dec.Decode(&obj); err == nil {
			var buf bytes.Buffer
			if err := json.Compact(&buf, []byte(s[start:start+int(dec.InputOffset())])); err != nil {
				return "", err
			}
			return buf.String(), nil
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoDocument
}

var promptTemplate = template.Must(template.New("draft").Parse(draftPrompt))

func renderPrompt(req Request) (string, error) {
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, req); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const draftPrompt = `You turn rough notes into a GitHub issue draft for an automated delivery pipeline.

{{if .Title}}**Working title:** {{.Title}}
{{end}}
**Notes:**
{{.Notes}}
{{if .Labels}}
**Suggested labels:** {{range $i, $l := .Labels}}{{if $i}}, {{end}}{{$l}}{{end}}
{{end}}
Reply with a single JSON object and nothing else, using exactly these keys:

{"title": string, "body": string, "labels": [string], "acceptance": [string]}

The body explains the problem and the intended change in a few short paragraphs.
Each acceptance entry is one independently verifiable criterion.`
