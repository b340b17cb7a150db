package main

import "github.com/CodingWithBoris/Chillers-Bot/cmd"

func main() {
	cmd.Execute()
}
