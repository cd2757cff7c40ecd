package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/felixgeelhaar/tunnelgate/internal/app"
)

// ErrNoContainer is returned by commands that need the ledger when the
// container could not be built.
var ErrNoContainer = errors.New("command requires a ledger connection; check DATABASE_URL or SQLITE_PATH")

// App holds the CLI application dependencies.
type App struct {
	Container *app.Container
}

// NewApp creates a new CLI application over a wired container.
func NewApp(c *app.Container) *App {
	return &App{Container: c}
}

// current is the global CLI application instance.
var current *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	current = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return current
}

// ParseUserID parses a messenger user id argument.
func ParseUserID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q: must be a positive integer", arg)
	}
	return id, nil
}

// Printf writes formatted output, ignoring write errors on the terminal.
func Printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
