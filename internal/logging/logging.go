// Package logging configures the process-wide structured logger: a
// log/slog.Logger backed by tint's console handler, with color enabled only
// when the output stream is a real TTY.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// New builds a slog.Logger writing to w at the given level. Color is
// auto-detected from w when w is an *os.File; callers piping to a file or
// buffer get plain output.
func New(w io.Writer, level slog.Level) *slog.Logger {
	noColor := true
	out := w
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		noColor = !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
		out = colorable.NewColorable(f)
	}
	h := tint.NewHandler(out, &tint.Options{
		Level:      level,
		NoColor:    noColor,
		TimeFormat: "15:04:05",
	})
	return slog.New(h)
}

// Default returns a logger over os.Stderr at slog.LevelInfo, the fallback
// used by library code that was not handed an explicit logger.
func Default() *slog.Logger {
	return New(os.Stderr, slog.LevelInfo)
}
