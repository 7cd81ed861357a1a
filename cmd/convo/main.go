package main

import "github.com/comigor/convo-go/cmd/convo/cmd"

func main() {
	cmd.Execute()
}
