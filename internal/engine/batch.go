package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Reporter observes batch progress. Calls may arrive from several
// goroutines at once.
type Reporter interface {
	Start(req Request)
	Complete(req Request, res Result, err error)
}

// NopReporter ignores progress.
type NopReporter struct{}

func (NopReporter) Start(Request)                   {}
func (NopReporter) Complete(Request, Result, error) {}

// Outcome pairs a batch request with its result.
type Outcome struct {
	Request Request
	Result  Result
	Err     error
}

// ProvisionAll provisions every request with at most
// max_concurrent_downloads requests in flight. A failing request does not
// stop the others; their errors are joined.
func (e *Engine) ProvisionAll(ctx context.Context, reqs []Request, reporter Reporter) ([]Outcome, error) {
	if reporter == nil {
		reporter = NopReporter{}
	}
	outcomes := make([]Outcome, len(reqs))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrentDownloads)
	for i, req := range reqs {
		g.Go(func() error {
			reporter.Start(req)
			res, err := e.Provision(ctx, req)
			outcomes[i] = Outcome{Request: req, Result: res, Err: err}
			reporter.Complete(req, res, err)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Request, o.Err))
		}
	}
	return outcomes, errors.Join(errs...)
}
