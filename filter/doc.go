package filter

// filter runs a message body through a pipeline of external commands before
// it's composed, e.g., to render Markdown or to wrap lines. Each command
// reads the previous command's output on standard input.
