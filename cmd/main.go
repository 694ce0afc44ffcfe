package main

import "github.com/satriahrh/geminichat/internal/cli"

func main() {
	cli.Execute()
}
