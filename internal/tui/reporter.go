package tui

import (
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"vx/internal/engine"
	"vx/pkg/descriptor"
)

// ProvisionColumns is the column layout for install and sync progress.
var ProvisionColumns = []Column{
	{Header: "TOOL", Width: 16},
	{Header: "STATUS", Width: 12},
	{Header: "VERSION", Width: 14},
	{Header: "PLATFORM", Width: 11},
	{Header: "TIME", Width: 7},
}

// RowKey identifies a request's row.
func RowKey(req engine.Request) string {
	return req.String()
}

// NewProvisionModel builds a progress table with one pending row per request.
func NewProvisionModel(title string, reqs []engine.Request) ProgressModel {
	model := NewProgressModel(title, ProvisionColumns)
	for _, req := range reqs {
		model.AddRow(RowKey(req), []string{req.String(), StatusPending, "-", "-", "-"})
	}
	return model
}

// StatusFor classifies a finished request.
func StatusFor(res engine.Result, err error) string {
	switch {
	case err != nil:
		return StatusError
	case res.Artifact.Origin != descriptor.OriginStore && res.Artifact.Origin != "":
		return StatusFallback
	case res.Installed:
		return StatusInstalled
	default:
		return StatusReused
	}
}

// ProvisionReporter forwards engine progress to a running bubbletea program.
type ProvisionReporter struct {
	send func(tea.Msg)
}

// NewProvisionReporter wraps a bubbletea send function.
func NewProvisionReporter(send func(tea.Msg)) *ProvisionReporter {
	return &ProvisionReporter{send: send}
}

// Start implements engine.Reporter.
func (r *ProvisionReporter) Start(req engine.Request) {
	r.send(RowAddMsg{
		Key:    RowKey(req),
		Fields: map[string]string{"TOOL": req.String(), "STATUS": StatusProvisioning},
	})
}

// Complete implements engine.Reporter.
func (r *ProvisionReporter) Complete(req engine.Request, res engine.Result, err error) {
	fields := map[string]string{
		"STATUS": StatusFor(res, err),
		"TIME":   formatElapsed(res.Elapsed),
	}
	if err == nil {
		fields["VERSION"] = NonEmptyOrDash(res.Artifact.Version)
		fields["PLATFORM"] = NonEmptyOrDash(res.Artifact.Platform.String())
	}
	r.send(RowUpdateMsg{Key: RowKey(req), Fields: fields})
}

// LineReporter prints one line per finished request. It is safe for
// concurrent use.
type LineReporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineReporter writes to w.
func NewLineReporter(w io.Writer) *LineReporter {
	return &LineReporter{w: w}
}

// Start implements engine.Reporter.
func (r *LineReporter) Start(engine.Request) {}

// Complete implements engine.Reporter.
func (r *LineReporter) Complete(req engine.Request, res engine.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := StatusFor(res, err)
	if err != nil {
		fmt.Fprintf(r.w, "%-16s %-10s %v\n", req, status, err)
		return
	}
	fmt.Fprintf(r.w, "%-16s %-10s %s %s (%s)\n", req, status, res.Artifact.Version, res.Artifact.Platform, formatElapsed(res.Elapsed))
}
