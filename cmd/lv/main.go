package main

import (
	"log"

	"lakevault/cmd/lv/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Fatal(err)
	}
}
