package main

import "github.com/chronod/chronod/cmd"

func main() {
	cmd.Execute()
}
