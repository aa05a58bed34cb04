package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"
	"github.com/spf13/cobra"

	"agriscan/config"
	"agriscan/diagnosis"
	"agriscan/utils"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	utils.InitLogger(cfg.LogLevel, cfg.LogFile)

	rootCmd := &cobra.Command{
		Use:           "agriscan",
		Short:         "Plant disease detection and diagnosis API",
		Version:       apiVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		serveProto string
		servePort  string
		serveHost  string
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and socket.io server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Protocol, cfg.Port, cfg.Host = serveProto, servePort, serveHost

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			return serve(ctx, a)
		},
	}
	serveCmd.Flags().StringVar(&serveProto, "proto", cfg.Protocol, "Protocol to use (http or https)")
	serveCmd.Flags().StringVarP(&servePort, "port", "p", cfg.Port, "Port to use")
	serveCmd.Flags().StringVar(&serveHost, "host", cfg.Host, "Address to bind")

	var (
		diagnoseLanguage string
		diagnoseNoCache  bool
	)
	diagnoseCmd := &cobra.Command{
		Use:   "diagnose <disease name>",
		Short: "Resolve a diagnosis without starting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			resolver, _, closers, err := newResolver(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer closeAll(closers)

			result := resolver.GetDiagnosis(ctx, diagnosis.Request{
				DiseaseName: args[0],
				Language:    diagnoseLanguage,
				UseCache:    !diagnoseNoCache,
			})
			return printJSON(result)
		},
	}
	diagnoseCmd.Flags().StringVarP(&diagnoseLanguage, "language", "l", "en", "Response language: en, hi, kn")
	diagnoseCmd.Flags().BoolVar(&diagnoseNoCache, "no-cache", false, "Skip the disease cache")

	diseasesCmd := &cobra.Command{
		Use:   "diseases [query]",
		Short: "List known diseases, optionally filtered by a search query",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			resolver, _, closers, err := newResolver(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer closeAll(closers)

			if len(args) == 1 {
				return printJSON(resolver.SearchDiseases(ctx, args[0]))
			}
			return printJSON(resolver.ListDiseases(ctx))
		},
	}

	rootCmd.AddCommand(serveCmd, diagnoseCmd, diseasesCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		utils.GetLogger().Error("command failed", slog.Any("error", xerrors.New(err)))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
