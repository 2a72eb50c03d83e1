package main

import "github.com/mmcloughlin/orconn/cmd/orconn/cmd"

func main() {
	cmd.Execute()
}
