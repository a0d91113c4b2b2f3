package main

import "bizflow/cmd/cli"

func main() {
	cli.Execute()
}
