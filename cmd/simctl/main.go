package main

import "github.com/TheAlpha16/simctl-go/cmd/simctl/cmd"

func main() {
	cmd.Execute()
}
