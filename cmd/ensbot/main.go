package main

import (
	"github.com/joho/godotenv"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/cli"
)

func main() {
	_ = godotenv.Load()
	cli.Execute()
}
