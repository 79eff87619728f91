package main

import "github.com/TechnicallyBob202/FrameTagger/cmd/frametagger/commands"

func main() {
	commands.Execute()
}
