package main

import (
	"log"
	"os"

	"github.com/alex-mextner/fast-ngrok/cmd/fastngrok"
)

func main() {
	if err := fastngrok.Execute(); err != nil {
		log.Fatal(err)
		os.Exit(1)
	}
}
