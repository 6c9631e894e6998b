package main

import (
	"os"

	"github.com/psantana5/manim-studio/cmd/manimctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
