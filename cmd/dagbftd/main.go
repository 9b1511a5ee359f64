package main

import "github.com/LeJamon/goDAGBFT/internal/cli"

func main() {
	cli.Execute()
}
