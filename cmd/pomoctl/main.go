package main

import "pomotimer/internal/cli"

func main() {
	cli.Execute()
}
