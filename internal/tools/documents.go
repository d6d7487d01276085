package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Document is a fixed reference resource a tool can reveal.
type Document struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

// ViewerState is what the presentation layer shows for revealed documents.
type ViewerState struct {
	Document  *Document `json:"document,omitempty"`
	Open      bool      `json:"open"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Viewer holds the currently revealed document.
type Viewer struct {
	mu    sync.RWMutex
	state ViewerState
}

func NewViewer() *Viewer { return &Viewer{} }

// Show reveals doc, replacing any previous one.
func (v *Viewer) Show(doc Document) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.show(doc)
}

// ShowContext reveals doc unless ctx is already done. The check and the
// update happen under the viewer lock, so a call that timed out never
// reveals its document afterwards.
func (v *Viewer) ShowContext(ctx context.Context, doc Document) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	v.show(doc)
	return nil
}

func (v *Viewer) show(doc Document) {
	d := doc
	v.state = ViewerState{Document: &d, Open: true, UpdatedAt: time.Now()}
}

// Minimize hides the viewer but keeps the document for reopening.
func (v *Viewer) Minimize() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state.Open = false
	v.state.UpdatedAt = time.Now()
}

// Close hides the viewer and forgets the document.
func (v *Viewer) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = ViewerState{UpdatedAt: time.Now()}
}

func (v *Viewer) State() ViewerState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := v.state
	if s.Document != nil {
		d := *s.Document
		s.Document = &d
	}
	return s
}

// DocumentTool builds a tool that reveals doc in the viewer when invoked.
func DocumentTool(name, description string, doc Document, viewer *Viewer) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  openDocumentParameters(doc.Title),
		Call: func(ctx context.Context, _ map[string]any) (Result, error) {
			if doc.Link == "" {
				return Result{}, fmt.Errorf("no link configured for %s", doc.Title)
			}
			if err := viewer.ShowContext(ctx, doc); err != nil {
				return Result{}, err
			}
			return Result{
				Content: fmt.Sprintf("%s opened in controllable iframe.", doc.Title),
				Link:    doc.Link,
			}, nil
		},
	}
}

func openDocumentParameters(title string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"description": fmt.Sprintf("The action to perform - should be 'open' when user says 'open %s'", strings.ToLower(title)),
			},
			"document": map[string]any{
				"type":        "string",
				"description": fmt.Sprintf("The document to open - should be '%s'", strings.ToLower(title)),
			},
		},
		"required": []string{"action"},
	}
}

// Default document links.
const (
	AnnualReportURL  = "https://docs.google.com/spreadsheets/d/1dyl-WTWUXjN3kp5QhvuNOaH6Xyqc38xh5ZIb9cfHNIY/edit?gid=0#gid=0"
	CompanyPolicyURL = "https://docs.google.com/document/d/1GOpjra_9LRFVl8mkZVk0OqhGxr5fLChp3OFpXAEiMjA/edit?tab=t.0#heading=h.hgwnk2xqls48"
)

// DefaultTools returns the annual report and company policy tools. Empty
// links fall back to the defaults.
func DefaultTools(viewer *Viewer, annualReportURL, companyPolicyURL string) []Tool {
	if annualReportURL == "" {
		annualReportURL = AnnualReportURL
	}
	if companyPolicyURL == "" {
		companyPolicyURL = CompanyPolicyURL
	}
	return []Tool{
		DocumentTool(
			"open_annual_report",
			"Use this to open the annual report Google Sheets document in a controllable iframe.",
			Document{Title: "Annual report", Link: annualReportURL},
			viewer,
		),
		DocumentTool(
			"open_company_policy",
			"Use this to open the company policy Google Doc document in a controllable iframe.",
			Document{Title: "Company policy", Link: companyPolicyURL},
			viewer,
		),
	}
}
