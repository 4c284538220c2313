package main

import (
	"log"

	"crossloan/services/coordinatord"
)

func main() {
	if err := coordinatord.Main(); err != nil {
		log.Fatal(err)
	}
}
