package main

import (
	"log"

	"swaproute/services/swaprouted"
)

func main() {
	if err := swaprouted.Main(); err != nil {
		log.Fatalf("swaprouted: %v", err)
	}
}
