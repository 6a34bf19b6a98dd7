package main

import (
	"os"

	"github.com/psantana5/ffmpeg-jobs/cmd/ffjobs/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
