package main

import (
	"github.com/chorusdata/dsync/cmd"
	"github.com/chorusdata/dsync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
