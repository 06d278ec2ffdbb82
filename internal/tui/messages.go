package tui

// RowUpdateMsg updates a single row's fields by column name.
type RowUpdateMsg struct {
	Key    string
	Fields map[string]string
}

// RowAddMsg appends a row while the program runs. Rows whose key already
// exists are updated instead.
type RowAddMsg struct {
	Key    string
	Fields map[string]string
}

// WorkDoneMsg signals that all background work has completed. Err carries
// the work function's error, if any, so the final frame can show it.
type WorkDoneMsg struct {
	Err error
}

// ErrorMsg signals a fatal error; the TUI should quit.
type ErrorMsg struct {
	Err error
}
