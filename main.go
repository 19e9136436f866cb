package main

import "github.com/runnable/image-builder/cmd"

func main() {
	cmd.Execute()
}
