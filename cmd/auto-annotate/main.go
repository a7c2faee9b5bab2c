package main

import (
	"context"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"

	autoannotate "github.com/menta2k/auto-annotate"
)

func main() {
	root := newRootCmd()

	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(autoannotate.Version),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	); err != nil {
		os.Exit(1)
	}
}
