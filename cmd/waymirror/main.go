package main

import "waymirror/cmd/waymirror/commands"

func main() {
	commands.Execute()
}
