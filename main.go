package main

import (
	_ "time/tzdata" // embed IANA timezone database for containers without tzdata

	"github.com/fnlabs/fn-scheduler/cmd"
)

func main() {
	cmd.Execute()
}
