package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eraser-privacy/optout/internal/broker"
	"github.com/eraser-privacy/optout/internal/config"
	"github.com/eraser-privacy/optout/internal/domain"
	"github.com/eraser-privacy/optout/internal/scan"
	"github.com/eraser-privacy/optout/internal/scheduler"
	"github.com/eraser-privacy/optout/internal/web"
)

var (
	cfgFile    string
	brokerFile string
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "optout",
		Short: "Track data broker deletion requests and their replies",
		Long: `optout sends personal-data deletion requests to data brokers on behalf
of one or more users, then watches their mailboxes for broker replies and
moves each request through PENDING, SENT, ACTION_REQUIRED, CONFIRMED and
REJECTED as those replies arrive.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or ~/.optout/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&brokerFile, "brokers", "", "broker database file or directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print reports as JSON")

	rootCmd.AddCommand(listBrokersCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func listBrokersCmd() *cobra.Command {
	var regions, excluded []string
	cmd := &cobra.Command{
		Use:   "list-brokers",
		Short: "List all known data brokers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListBrokers(regions, excluded)
		},
	}
	cmd.Flags().StringSliceVar(&regions, "region", nil, "only brokers in these regions (global brokers always match)")
	cmd.Flags().StringSliceVar(&excluded, "exclude", nil, "broker ids or names to skip")
	return cmd
}

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Create and send deletion requests",
	}

	var (
		framework string
		regions   []string
		excluded  []string
	)
	create := &cobra.Command{
		Use:   "create <user> [broker...]",
		Short: "Create PENDING deletion requests for a user",
		Long: `Create a PENDING deletion request for each named broker. Without broker
ids, requests are created for every broker matching --region and --exclude;
brokers that already have a request for the user are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequestCreate(cmd.Context(), args[0], args[1:], framework, regions, excluded)
		},
	}
	create.Flags().StringVar(&framework, "framework", "generic", "legal framework: gdpr, ccpa or generic")
	create.Flags().StringSliceVar(&regions, "region", nil, "only brokers in these regions")
	create.Flags().StringSliceVar(&excluded, "exclude", nil, "broker ids or names to skip")

	send := &cobra.Command{
		Use:   "send <request-id>",
		Short: "Send (or resend) a PENDING deletion request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q", args[0])
			}
			return runRequestSend(cmd.Context(), id)
		},
	}

	list := &cobra.Command{
		Use:   "list <user>",
		Short: "List a user's deletion requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequestList(cmd.Context(), args[0])
		},
	}

	show := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request and the broker replies matched to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q", args[0])
			}
			return runRequestShow(cmd.Context(), id)
		},
	}

	cmd.AddCommand(create, send, list, show)
	return cmd
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <user> <inbox|responses>",
		Short: "Scan a user's mailbox for broker mail or broker replies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := scan.ParseMode(args[1])
			if err != nil {
				return err
			}
			return runScan(cmd.Context(), args[0], mode)
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <user>",
		Short: "Resend every failed request whose retry time has passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(cmd.Context(), args[0])
		},
	}
}

func statusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status <user>",
		Short: "Show request counts and recent activity for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), args[0], limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of recent activities to show")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daily scheduler and the HTTP trigger endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}

func runListBrokers(regions, excluded []string) error {
	cfg := &config.Config{}
	if path := resolveConfigPath(); fileExists(path) {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
	}
	brokerDB, err := broker.Load(resolveBrokerPath(cfg))
	if err != nil {
		return fmt.Errorf("failed to load brokers: %w", err)
	}

	brokers := brokerDB.Filter(regions, excluded)
	fmt.Printf("📋 Data Brokers (%d of %d)\n", len(brokers), len(brokerDB.Brokers))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	for _, b := range brokers {
		fmt.Printf("\n%s [%s]\n", b.Name, b.ID)
		if b.PrivacyEmail != "" {
			fmt.Printf("  📧 %s\n", b.PrivacyEmail)
		}
		for _, d := range b.Domains {
			fmt.Printf("  🌐 %s\n", d)
		}
		if b.OptOutURL != "" {
			fmt.Printf("  🔗 Opt-out: %s\n", b.OptOutURL)
		}
		if b.Region != "" {
			fmt.Printf("  🌍 Region: %s\n", b.Region)
		}
		if b.Category != "" {
			fmt.Printf("  📁 Category: %s\n", b.Category)
		}
	}
	return nil
}

func runRequestCreate(ctx context.Context, userID string, brokerIDs []string, framework string, regions, excluded []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.user(userID)
	if err != nil {
		return err
	}

	var targets []broker.Broker
	if len(brokerIDs) == 0 {
		targets = a.brokers.Filter(regions, excluded)
	}
	for _, id := range brokerIDs {
		b := a.brokers.FindByID(id)
		if b == nil {
			return fmt.Errorf("broker %q: %w", id, domain.ErrNotFound)
		}
		targets = append(targets, *b)
	}

	created, skipped := 0, 0
	for _, b := range targets {
		r, err := a.lifecycle.Create(ctx, user, b, framework)
		if errors.Is(err, domain.ErrDuplicateRequest) && len(brokerIDs) == 0 {
			skipped++
			continue
		}
		if err != nil {
			return err
		}
		created++
		fmt.Printf("✅ Created request #%d for %s (%s)\n", r.ID, r.BrokerName, r.Status)
	}
	if skipped > 0 {
		fmt.Printf("⏭️  Skipped %d brokers with an existing request\n", skipped)
	}
	if created == 0 && skipped == 0 {
		fmt.Println("No brokers matched.")
	}
	return nil
}

func runRequestSend(ctx context.Context, id int64) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.lifecycle.Send(ctx, id)
	if err != nil {
		if r != nil && r.NextRetryAt != nil {
			fmt.Printf("⚠️  Send failed, retry scheduled for %s\n", r.NextRetryAt.Local().Format("2006-01-02 15:04"))
		}
		return err
	}
	fmt.Printf("✅ Sent request #%d to %s\n", r.ID, r.BrokerName)
	return nil
}

func runRequestList(ctx context.Context, userID string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	requests, err := a.lifecycle.ListForUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Printf("No requests for %s.\n", userID)
		return nil
	}
	for _, r := range requests {
		line := fmt.Sprintf("#%-5d %-16s %s", r.ID, r.Status, r.BrokerName)
		if r.SentAt != nil {
			line += "  sent " + r.SentAt.Local().Format("2006-01-02")
		}
		if r.LastSendError != "" && r.Status == domain.StatusPending {
			line += fmt.Sprintf("  (%d attempts: %s)", r.SendAttempts, r.LastSendError)
		}
		fmt.Println(line)
	}
	return nil
}

func runRequestShow(ctx context.Context, id int64) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.lifecycle.Get(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("📨 Request #%d: %s (%s)\n", r.ID, r.BrokerName, r.Status)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  User: %s  Framework: %s\n", r.UserID, r.Framework)
	fmt.Printf("  Subject: %s\n", r.EmailSubject)
	fmt.Printf("  Attempts: %d\n", r.SendAttempts)
	if r.SentAt != nil {
		fmt.Printf("  Sent: %s (thread %s)\n", r.SentAt.Local().Format("2006-01-02 15:04"), r.ThreadID)
	}
	if r.NextRetryAt != nil {
		fmt.Printf("  Next retry: %s\n", r.NextRetryAt.Local().Format("2006-01-02 15:04"))
	}
	if r.Notes != "" {
		fmt.Printf("  Notes:\n    %s\n", strings.ReplaceAll(r.Notes, "\n", "\n    "))
	}

	responses, err := a.store.ResponsesForRequest(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("failed to get responses: %w", err)
	}
	for _, resp := range responses {
		fmt.Printf("\n  ↩ %s %s [%s %.2f via %s, matched by %s]\n",
			resp.ReceivedAt.Local().Format("2006-01-02 15:04"), resp.Subject,
			resp.ResponseType, resp.Confidence, resp.Source, resp.MatchedBy)
		if resp.ActionURL != "" {
			fmt.Printf("    🔗 %s\n", resp.ActionURL)
		}
	}
	return nil
}

func runScan(ctx context.Context, userID string, mode scan.Mode) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := a.orchestrator.Trigger(ctx, userID, mode)
	if report != nil {
		printReport(report)
	}
	return err
}

func runRetry(ctx context.Context, userID string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.orchestrator.RetrySweep(ctx, userID)
	if report != nil {
		printReport(report)
	}
	return err
}

func printReport(r *scan.Report) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r)
		return
	}

	fmt.Printf("🔍 %s scan for %s\n", r.Mode, r.UserID)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Fetched: %d  Skipped: %d  Scanned: %d\n", r.Fetched, r.Skipped, r.Scanned)
	if r.Mode == scan.ModeInbox {
		fmt.Printf("  Broker emails: %d\n", r.BrokerEmails)
	} else {
		fmt.Printf("  Responses: %d  Matched: %d\n", r.Responses, r.Matched)
	}
	for to, n := range r.Transitions {
		fmt.Printf("  → %s: %d\n", to, n)
	}
	if r.RetryAttempted > 0 {
		fmt.Printf("  Retries: %d attempted, %d sent\n", r.RetryAttempted, r.RetrySent)
	}
	for _, f := range r.Failures {
		fmt.Printf("  ❌ %s: %s\n", f.MessageID, f.Err)
	}
}

func runStatus(ctx context.Context, userID string, limit int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.user(userID); err != nil {
		return err
	}
	stats, err := a.store.RequestStats(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Printf("📊 Requests for %s\n", userID)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	for _, s := range []domain.RequestStatus{
		domain.StatusPending,
		domain.StatusSent,
		domain.StatusActionRequired,
		domain.StatusConfirmed,
		domain.StatusRejected,
	} {
		fmt.Printf("  %-16s %d\n", s, stats[s])
	}

	brokerMail, err := a.store.ListScans(ctx, userID, true)
	if err != nil {
		return fmt.Errorf("failed to get scans: %w", err)
	}
	fmt.Printf("\n  Broker emails seen: %d\n", len(brokerMail))

	responses, err := a.store.ListResponses(ctx, userID, limit)
	if err != nil {
		return fmt.Errorf("failed to get responses: %w", err)
	}
	if len(responses) > 0 {
		fmt.Println()
		fmt.Printf("↩️  Recent Replies (last %d)\n", limit)
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		for _, resp := range responses {
			target := "unmatched"
			if resp.DeletionRequestID != nil {
				target = fmt.Sprintf("request #%d", *resp.DeletionRequestID)
			}
			fmt.Printf("%s %-16s %s (%s)\n", resp.ReceivedAt.Local().Format("2006-01-02 15:04"), resp.ResponseType, resp.SenderEmail, target)
		}
	}

	activities, err := a.store.ListActivities(ctx, userID, limit)
	if err != nil {
		return fmt.Errorf("failed to get activity: %w", err)
	}
	if len(activities) > 0 {
		fmt.Println()
		fmt.Printf("📜 Recent Activity (last %d)\n", limit)
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		for _, act := range activities {
			fmt.Printf("%s [%s] %s\n", act.CreatedAt.Local().Format("2006-01-02 15:04"), act.Type, act.Message)
		}
	}
	return nil
}

func runServe(port int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.orchestrator.Limiter().RunCleanup(ctx)

	sched := scheduler.New(a.cfg.Schedule.Daily, a.orchestrator, a.mailboxes.Users(), a.log)
	if a.cfg.Schedule.Enabled {
		if err := sched.Start(); err != nil {
			return err
		}
		a.log.WithField("next_run", sched.NextRun()).Info("Daily sweep scheduled")
	}

	server := web.NewServer(fmt.Sprintf(":%d", port), sched, a.store, a.registry, a.log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.WithError(err).Warn("HTTP shutdown failed")
		}
	}()

	err = server.Start()
	if sched.IsRunning() {
		if stopErr := sched.Stop(); stopErr != nil {
			a.log.WithError(stopErr).Warn("Scheduler stop failed")
		}
	}
	return err
}
