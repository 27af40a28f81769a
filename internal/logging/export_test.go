package logging

import (
	"io"
	"log/slog"
)

// Test hooks for the unexported handler constructors.

func NewConsoleHandlerForTest(w io.Writer) slog.Handler {
	return newConsoleHandler(w, new(slog.LevelVar))
}

func NewJSONHandlerForTest(w io.Writer) slog.Handler {
	return newJSONHandler(w, new(slog.LevelVar))
}
