// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/currency"
	"storj.io/common/uuid"
	"storj.io/escrow/marketplace"
	"storj.io/escrow/marketplace/escrow"
	"storj.io/escrow/marketplace/marketplacedb"
	"storj.io/escrow/marketplace/payments/localrail"
	"storj.io/escrow/marketplace/payouts"
)

var (
	rootCmd = &cobra.Command{
		Use:   "escrow",
		Short: "Escrow and commission engine",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the escrow engine",
		RunE:  cmdRun,
	}
	jobsCmd = &cobra.Command{
		Use:   "jobs",
		Short: "List escrow jobs",
		RunE:  cmdJobs,
	}

	databaseURL      string
	feeRateBps       int64
	maxAttempts      int
	recoveryInterval time.Duration
	eventQueueSize   int
	jobsStatus       string
	minimumPayout    string
	payoutFeeBps     int64
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobsCmd)

	rootCmd.PersistentFlags().StringVar(&databaseURL, "database", "bolt://escrow.db", "database url, bolt://path, redis://host:port?db=n or memory://")

	runCmd.Flags().Int64Var(&feeRateBps, "fee-rate-bps", 1000, "platform fee in basis points of the deal amount")
	runCmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "release and refund attempts before operator intervention")
	runCmd.Flags().DurationVar(&recoveryInterval, "recovery-interval", time.Minute, "how often interrupted escrow jobs are re-driven")
	runCmd.Flags().IntVar(&eventQueueSize, "event-queue-size", 1024, "undelivered events buffered before dropping")
	runCmd.Flags().StringVar(&minimumPayout, "minimum-payout", "25.00", "minimum commission payout in US dollars")
	runCmd.Flags().Int64Var(&payoutFeeBps, "payout-fee-bps", 0, "payout fee in basis points")

	jobsCmd.Flags().StringVar(&jobsStatus, "status", "failed", "job status to list")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := signalContext()
	defer cancel()

	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := marketplacedb.Open(log.Named("db"), databaseURL)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	minimum, err := decimal.NewFromString(minimumPayout)
	if err != nil {
		return errs.New("invalid minimum payout %q: %v", minimumPayout, err)
	}

	peer, err := marketplace.New(
		log.Named("marketplace"),
		db,
		localrail.New(log.Named("rail")),
		allowEveryone(),
		payouts.StaticTiers{Tier: payouts.Tier{
			Name:          "default",
			MinimumPayout: currency.AmountFromDecimal(minimum, currency.USDollars),
			PayoutFeeBps:  payoutFeeBps,
		}},
		marketplace.Config{
			Escrow: escrow.Config{
				FeeRateBps:       feeRateBps,
				MaxAttempts:      maxAttempts,
				RecoveryInterval: recoveryInterval,
			},
			EventQueueSize: eventQueueSize,
		},
	)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return peer.Run(ctx)
	})
	group.Go(func() error {
		// log delivered events until the bus closes
		for event := range peer.Events.Bus.Events() {
			log.Info("event",
				zap.String("type", string(event.Type)),
				zap.Stringer("user", event.UserID),
				zap.Any("payload", event.Payload))
		}
		return nil
	})

	return group.Wait()
}

func cmdJobs(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := signalContext()
	defer cancel()

	log := zap.NewNop()

	db, err := marketplacedb.Open(log, databaseURL)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	peer, err := marketplace.New(log, db, localrail.New(log),
		allowEveryone(), payouts.StaticTiers{}, marketplace.Config{
			Escrow: escrow.Config{RecoveryInterval: time.Minute},
		})
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, peer.Close()) }()

	jobs, err := peer.Escrow.Service.ListByStatus(ctx, escrow.Status(jobsStatus))
	if err != nil {
		return err
	}

	total := decimal.Zero
	for _, job := range jobs {
		fmt.Printf("%s  deal=%s  held=%s %s  attempts=%d  %s\n",
			job.ID, job.DealID,
			job.TotalHeld.AsDecimal().StringFixed(2),
			job.TotalHeld.Currency().Symbol(),
			job.Attempts, job.FailureReason)
		total = total.Add(job.TotalHeld.AsDecimal())
	}
	fmt.Printf("%d jobs, %s held\n", len(jobs), total.StringFixed(2))
	return nil
}

// allowEveryone skips identity verification. Deployments with real money
// plug in a real verifier instead.
func allowEveryone() payouts.IdentityVerifier {
	return payouts.VerifierFunc(func(ctx context.Context, user uuid.UUID) (bool, error) {
		return true, nil
	})
}

func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		signal.Stop(signals)
		cancel()
	}()
	return ctx, cancel
}
