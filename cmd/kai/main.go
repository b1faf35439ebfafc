package main

import (
	"context"
	"os"

	"github.com/lk2023060901/kai-go/application"
)

func main() {
	app := application.New()
	os.Exit(application.ExitCode(app.Run(context.Background(), os.Args[1:])))
}
