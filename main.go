package main

import "github.com/markb/csrealtime/cmd"

func main() {
	cmd.Execute()
}
