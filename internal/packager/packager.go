// Package packager wraps the platform package manager and the Python
// package manager behind InstallPython and InstallSystem, so internal commands
// (pypackage, package, upgrade) don't need to know argv construction.
package packager

import (
	"context"
	"fmt"

	"github.com/alpacax/alpamon-go/internal/platform"
	"github.com/alpacax/alpamon-go/internal/shell"
)

// Action distinguishes pip-install, file-install, and uninstall — the
// pypackage verb's three sub-commands.
type Action string

const (
	PipInstall  Action = "pip-install"
	FileInstall Action = "file-install"
	Uninstall   Action = "uninstall"
)

// PipCommand maps a pypackage action to a pip argv. file-install installs
// a local wheel/sdist path rather than resolving a name from PyPI.
func PipCommand(action Action, name string) ([]string, error) {
	switch action {
	case PipInstall, FileInstall:
		return []string{"pip", "install", name}, nil
	case Uninstall:
		return []string{"pip", "uninstall", "-y", name}, nil
	default:
		return nil, fmt.Errorf("packager: unknown pypackage action %q", action)
	}
}

// InstallPython runs pip for the given action/name pair as root.
func InstallPython(ctx context.Context, action Action, name string) shell.Result {
	argv, err := PipCommand(action, name)
	if err != nil {
		return shell.Result{ExitCode: 1, Output: err.Error()}
	}
	return shell.Run(ctx, argv, shell.Options{IncludeStderr: true, Username: "root"})
}

// InstallSystem runs the platform package manager for install/uninstall
// crossed with file/internet source, as root.
func InstallSystem(ctx context.Context, fam platform.Family, req platform.Request, src platform.Source, name string) shell.Result {
	argv, err := platform.Command(fam, req, src, name)
	if err != nil {
		return shell.Result{ExitCode: 1, Output: err.Error()}
	}
	return shell.Run(ctx, argv, shell.Options{IncludeStderr: true, Username: "root"})
}

// ArtifactFetcher retrieves a named build artifact's bytes from the
// control plane's package index, used by `upgrade` and by startup's
// fact-tool bootstrap.
type ArtifactFetcher interface {
	FetchArtifact(ctx context.Context, name string) (path string, cleanup func(), err error)
}
