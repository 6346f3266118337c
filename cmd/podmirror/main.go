package main

import "github.com/vietddude/podmirror/internal/cli"

func main() {
	cli.Execute()
}
