package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/matheus3301/mxd/internal/config"
	"github.com/matheus3301/mxd/internal/daemon"
	"github.com/matheus3301/mxd/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(session.ConfigPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: config %s: %v\n", session.ConfigPath(), err)
		os.Exit(1)
	}
	if err := session.ValidateUserID(cfg.Matrix.UserID); err != nil {
		fmt.Fprintf(os.Stderr, "error: config %s: %v\n", session.ConfigPath(), err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Config: cfg, Debug: *debugFlag}),
	)

	app.Run()
}
