package main

import "github.com/dfir-tools/walscope/cmd"

func main() {
	cmd.Execute()
}
