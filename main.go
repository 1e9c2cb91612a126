package main

import (
	"log"

	"depositbox/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatalf("depositbox: %v", err)
	}
}
