package main

import "github.com/wippyai/wasm-easyjit/internal/cli"

func main() {
	cli.Execute()
}
