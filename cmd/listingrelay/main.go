package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/listingrelay/internal/api"
	"github.io/infrasutra/listingrelay/internal/metrics"
	"github.io/infrasutra/listingrelay/internal/pipeline"
	"github.io/infrasutra/listingrelay/internal/smtpserver"
	"github.io/infrasutra/listingrelay/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "listingrelay",
		Short: "Relay vehicle listing alerts into Telegram channels",
		Long: `listingrelay receives listing notification emails, resolves the listings
they reference, writes a post for each one and publishes it to the
account's channel. Every attempt is kept in the posting ledger.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(sendTestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay inbox, the HTTP API and the periodic sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	metrics.Register()
	log := a.logger

	smtpAuth := smtpserver.AuthConfig{
		Enabled:  a.cfg.SMTP.AuthEnabled,
		Username: a.cfg.SMTP.Username,
		Password: a.cfg.SMTP.Password,
	}
	if !smtpAuth.Enabled {
		log.Warn("smtp auth disabled; relay accepts unauthenticated connections")
	}
	smtpSrv := smtpserver.New(a.store, log.Named("smtp"), fmt.Sprintf(":%d", a.cfg.Server.SMTPPort), smtpAuth)

	checks := []api.Checker{{Name: "database", Check: a.store.Ping}}
	if a.pool != nil {
		checks = append(checks, api.Checker{Name: "ledger", Check: a.pool.Ping})
	}
	if a.cfg.Server.APIToken == "" {
		log.Warn("API_TOKEN not set; account API is open")
	}
	apiServer := api.NewServer(api.Deps{
		Runner:   a.pipeline,
		History:  a.ledger,
		Accounts: a.store,
		Hub:      a.hub,
		Checks:   checks,
		Token:    a.cfg.Server.APIToken,
	}, log.Named("api"))
	httpAddr := fmt.Sprintf(":%d", a.cfg.Server.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := smtpSrv.ListenAndServe(); err != nil && gctx.Err() == nil {
			return fmt.Errorf("smtp server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweepLoop(gctx, a.pipeline, a.cfg.Pipeline.SweepInterval, log)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown http", zap.Error(err))
		}
		if err := smtpSrv.Close(); err != nil {
			log.Error("shutdown smtp", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	log.Info("stopped")
	return err
}

// sweepLoop sweeps once at start and then every interval until ctx ends.
// A slow sweep delays the next tick instead of overlapping it.
func sweepLoop(ctx context.Context, p *pipeline.Pipeline, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run every account once in scheduled mode and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			return a.pipeline.Sweep(ctx)
		},
	}
}

func runCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one account now, ignoring its auto-publish toggle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			summary, err := a.pipeline.RunAccount(ctx, accountID, pipeline.ModeManual)
			if summary != nil {
				printJSON(cmd, summary)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}
	cmd.AddCommand(accountAddCmd())
	cmd.AddCommand(accountListCmd())
	cmd.AddCommand(accountClearCmd())
	return cmd
}

func accountAddCmd() *cobra.Command {
	var acc store.Account
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			saved, err := a.store.SaveAccount(ctx, acc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), saved.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&acc.ID, "id", "", "account id to update (generated when empty)")
	f.StringVar(&acc.Name, "name", "", "display name")
	f.StringVar(&acc.MailboxAddress, "mailbox", "", "relay mailbox address that receives the alerts")
	f.StringVar(&acc.MailboxPassword, "mailbox-password", "", "relay mailbox password")
	f.StringVar(&acc.ComposerKey, "composer-key", "", "OpenAI API key")
	f.StringVar(&acc.PublisherToken, "publisher-token", "", "Telegram bot token")
	f.StringVar(&acc.ChannelRef, "channel", "", "Telegram channel (@name or numeric id)")
	f.StringVar(&acc.Language, "language", "ru", "post language")
	f.IntVar(&acc.MarkupEUR, "markup", 0, "markup added to the source price, EUR")
	f.BoolVar(&acc.AutoPublish, "auto-publish", false, "include the account in scheduled sweeps")
	_ = cmd.MarkFlagRequired("mailbox")
	return cmd
}

func accountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts with their posting stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			ids, err := a.store.ListAccountIDs(ctx)
			if err != nil {
				return err
			}
			type row struct {
				ID          string            `json:"id"`
				Name        string            `json:"name"`
				Mailbox     string            `json:"mailbox"`
				Channel     string            `json:"channel"`
				AutoPublish bool              `json:"autoPublish"`
				Stats       store.LedgerStats `json:"stats"`
			}
			rows := make([]row, 0, len(ids))
			for _, id := range ids {
				acc, err := a.store.LoadAccount(ctx, id)
				if err != nil {
					return err
				}
				stats, err := a.ledger.Stats(ctx, id, time.Now())
				if err != nil {
					return err
				}
				rows = append(rows, row{
					ID:          acc.ID,
					Name:        acc.Name,
					Mailbox:     acc.MailboxAddress,
					Channel:     acc.ChannelRef,
					AutoPublish: acc.AutoPublish,
					Stats:       stats,
				})
			}
			printJSON(cmd, rows)
			return nil
		},
	}
}

func accountClearCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "clear-mailbox",
		Short: "Forget an account's mailbox credentials, relayed mail and posting history",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			removed, err := a.pipeline.ClearMailbox(ctx, accountID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d ledger entries\n", removed)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
