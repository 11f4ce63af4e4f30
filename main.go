package main

import (
	"aptos-sentinel/internal/cli"
)

func main() {
	cli.Execute()
}
