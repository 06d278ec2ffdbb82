package tui

import (
	"context"
	"errors"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// RunWithWork creates a bubbletea program, launches workFn in a goroutine,
// and blocks until the program exits. The context handed to workFn is
// cancelled when the user quits the program early. workFn's error is
// returned once the work has stopped.
func RunWithWork(ctx context.Context, out io.Writer, model ProgressModel, workFn func(ctx context.Context, send func(tea.Msg)) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(model, tea.WithOutput(out), tea.WithContext(ctx))

	workErr := make(chan error, 1)
	go func() {
		// Let bubbletea start its event loop and render the initial frame.
		time.Sleep(50 * time.Millisecond)

		err := workFn(ctx, func(msg tea.Msg) {
			p.Send(msg)
			// Small yield so the renderer can draw between updates.
			time.Sleep(5 * time.Millisecond)
		})
		workErr <- err
		p.Send(WorkDoneMsg{Err: err})
	}()

	finalModel, runErr := p.Run()
	// Quitting early stops the work; wait for it so nothing writes after return.
	cancel()
	err := <-workErr
	if err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return runErr
	}
	if m, ok := finalModel.(ProgressModel); ok && m.Err() != nil {
		return m.Err()
	}
	return nil
}
