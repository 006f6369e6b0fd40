package main

import "github.com/ppiankov/trackwatch/internal/cli"

func main() {
	cli.Execute()
}
