package main

import "github.com/arcward/queuebot/cmd"

func main() {
	cmd.Execute()
}
