package main

import "github.com/BioHazard786/murmur/cmd"

func main() {
	cmd.Execute()
}
