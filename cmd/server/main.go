package main

import (
	"os"

	"github.com/leadmarket/backend/internal/cmd"
)

// @title Marketplace Transaction Core API
// @version 1.0
// @description Lead claims, credit ledger, orders and payment reconciliation
// @BasePath /api/v1
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
