package main

import "github.com/nextlevelbuilder/goclaw-imessage/cmd"

func main() {
	cmd.Execute()
}
