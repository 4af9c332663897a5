package main

import (
	"math/rand"
	"time"

	"github.com/CodeWitchBella/netvr-sub001/cmd"
)

func main() {
	rand.Seed(time.Now().UnixNano())

	cmd.Execute()
}
