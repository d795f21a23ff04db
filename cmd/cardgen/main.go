// Command cardgen generates card numbers and CVVs and talks to the issuer API.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/internal/database"
	"github.com/jonanatree/cyberbank/internal/expiry"
	"github.com/jonanatree/cyberbank/internal/issuerdev"
	"github.com/jonanatree/cyberbank/internal/security"
	"github.com/jonanatree/cyberbank/issuer/models"
)

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "cardgen",
		Usage:  "Generate card numbers and CVVs",
		Writer: out,
		Commands: []*cli.Command{
			{
				Name:  "number",
				Usage: "Generate Luhn-valid card numbers",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "prefix",
						Usage:   "Card number prefix",
						Sources: cli.EnvVars("BANK_CARD_PREFIX"),
					},
					&cli.StringFlag{
						Name:    "issuer-code",
						Usage:   "Issuer code following the prefix",
						Sources: cli.EnvVars("BANK_CARD_CODE"),
					},
					&cli.IntFlag{
						Name:    "length",
						Value:   cardgen.DefaultLength,
						Usage:   "Card number length including the check digit",
						Sources: cli.EnvVars("CARD_NUMBER_LENGTH"),
					},
					&cli.IntFlag{
						Name:    "count",
						Aliases: []string{"n"},
						Value:   1,
						Usage:   "How many numbers to generate",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runNumber(ctx, out, cmd.String("prefix"), cmd.String("issuer-code"),
						int(cmd.Int("length")), int(cmd.Int("count")))
				},
			},
			{
				Name:  "cvv",
				Usage: "Derive the CVV for a card number and expiry date",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "number",
						Required: true,
						Usage:    "Card number",
					},
					&cli.StringFlag{
						Name:     "expiry",
						Required: true,
						Usage:    "Expiry date, YYYY-MM-DD",
					},
					&cli.StringFlag{
						Name:     "key",
						Required: true,
						Usage:    "CVV secret key",
						Sources:  cli.EnvVars("CVV_SECRET_KEY"),
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCVV(out, cmd.String("number"), cmd.String("expiry"), cmd.String("key"))
				},
			},
			{
				Name:      "check",
				Usage:     "Validate a card number",
				ArgsUsage: "<number>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCheck(out, cmd.Args().First())
				},
			},
			{
				Name:  "issue",
				Usage: "Issue a card through the issuer API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "issuer",
						Value:   "http://127.0.0.1:9090",
						Usage:   "Issuer base URL",
						Sources: cli.EnvVars("ISSUER_URL"),
					},
					&cli.StringFlag{
						Name:     "account",
						Required: true,
						Usage:    "Account reference",
					},
					&cli.StringFlag{
						Name:  "card-name",
						Usage: "Cardholder name for the card face",
					},
					&cli.StringFlag{
						Name:  "product",
						Usage: "Card product, e.g. credit or debit",
					},
					&cli.BoolFlag{
						Name:  "verbose",
						Usage: "Print the full card number and CVV",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					client := issuerdev.New(cmd.String("issuer"), &http.Client{Timeout: 10 * time.Second})
					return runIssue(ctx, out, client, models.IssueCard{
						AccountID:      cmd.String("account"),
						CardholderName: cmd.String("card-name"),
						Product:        cmd.String("product"),
					}, cmd.Bool("verbose"))
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply database migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dsn",
						Required: true,
						Usage:    "Postgres DSN",
						Sources:  cli.EnvVars("DB_DSN"),
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					changed, err := database.Migrate(cmd.String("dsn"))
					if err != nil {
						return err
					}
					if !changed {
						fmt.Fprintln(out, "schema up to date")
						return nil
					}
					fmt.Fprintln(out, "migrations applied")
					return nil
				},
			},
		},
	}
}

func runNumber(ctx context.Context, out io.Writer, prefix, issuerCode string, length, count int) error {
	gen, err := cardgen.NewGenerator(cardgen.GeneratorConfig{
		Prefix:     prefix,
		IssuerCode: issuerCode,
		Length:     length,
	})
	if err != nil {
		return err
	}
	if count < 1 {
		return fmt.Errorf("count must be positive")
	}

	numbers := make([]string, count)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range numbers {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := gen.Generate()
			if err != nil {
				return err
			}
			numbers[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, n := range numbers {
		fmt.Fprintln(out, n)
	}
	return nil
}

func runCVV(out io.Writer, number, expiryDate, key string) error {
	expiryDate = strings.TrimSpace(expiryDate)
	if _, err := expiry.ParseDate(expiryDate, time.UTC); err != nil {
		return fmt.Errorf("expiry must be YYYY-MM-DD: %w", err)
	}
	p, err := security.NewHMACProvider([]byte(key))
	if err != nil {
		return err
	}
	defer p.Close()
	cvv, err := p.DeriveCVV(cardgen.NormalizePAN(number), expiryDate)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, cvv)
	return nil
}

func runCheck(out io.Writer, number string) error {
	if number == "" {
		return fmt.Errorf("card number argument is required")
	}
	if err := cardgen.ValidatePAN(cardgen.NormalizePAN(number)); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s valid\n", cardgen.MaskPAN(number))
	return nil
}

func runIssue(ctx context.Context, out io.Writer, client *issuerdev.Client, req models.IssueCard, verbose bool) error {
	card, err := client.IssueCard(ctx, req)
	if err != nil {
		return err
	}
	number := card.MaskedNumber
	if verbose {
		number = card.Number
	}
	fmt.Fprintf(out, "ID: %s\nPAN: %s\nEXP(card-face): %s  EXP(date): %s\n", card.ID, number, card.CardFace, card.ExpiryDate)
	if verbose {
		fmt.Fprintf(out, "CVV: %s\n", card.CVV)
	}
	return nil
}
