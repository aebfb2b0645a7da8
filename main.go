package main

import (
	"context"
	"log"
	"os"

	"github.com/ollama/structured/cmd"
)

func main() {
	if err := cmd.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	os.Exit(cmd.Execute(context.Background()))
}
