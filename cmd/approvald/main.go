package main

import (
	"log"

	"quorumpay/services/approvald"
)

func main() {
	if err := approvald.Main(); err != nil {
		log.Fatalf("approvald: %v", err)
	}
}
