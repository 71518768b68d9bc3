package main

import (
	"github.com/arcward/tessera/cmd"
)

func main() {
	cmd.Execute()
}
