// Command codegen mints membership redemption codes.
//
//	codegen -count 10 -credits 1000
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/lilseedabe/genbroker/internal/config"
)

const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	count := flag.Int("count", 1, "number of codes to mint")
	credits := flag.Int64("credits", 1000, "credits each code grants")
	flag.Parse()

	if *count < 1 || *count > 1000 {
		slog.Error("count must be between 1 and 1000")
		os.Exit(1)
	}
	if *credits < 1 {
		slog.Error("credits must be positive")
		os.Exit(1)
	}

	cfg := config.Load()
	ctx := context.Background()

	conn, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	for i := 0; i < *count; i++ {
		code, err := newCode()
		if err != nil {
			slog.Error("generating code", "error", err)
			os.Exit(1)
		}
		_, err = conn.Exec(ctx, `
			INSERT INTO redemption_codes (code, grant_credits) VALUES ($1, $2)
		`, code, *credits)
		if err != nil {
			slog.Error("inserting code", "error", err)
			os.Exit(1)
		}
		fmt.Println(code)
	}
	slog.Info("codes minted", "count", *count, "credits", *credits)
}

// newCode returns a NOTE-XXXX-XXXX-XXXX code. The alphabet drops the easily
// confused characters (0/O, 1/I/L) since members type these by hand.
func newCode() (string, error) {
	groups := make([]string, 0, 3)
	for g := 0; g < 3; g++ {
		var b strings.Builder
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
			if err != nil {
				return "", err
			}
			b.WriteByte(codeAlphabet[n.Int64()])
		}
		groups = append(groups, b.String())
	}
	return "NOTE-" + strings.Join(groups, "-"), nil
}
