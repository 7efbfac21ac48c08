// xmlorganizer: reliable NF-e / NFC-e ingestion into an issuer/date archive
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

func main() {
	cfg := defaultConfig()
	var interactive bool
	var once bool
	var reportPath string
	var scanSeconds, reconcileSeconds int

	rootCmd := &cobra.Command{
		Use:   "xmlorganizer",
		Short: "Ingest fiscal XML documents into an issuer/date archive with a transactional catalog",
		Long: `xmlorganizer watches an inbox for NF-e / NFC-e XML files and files each one
into an archive tree keyed by issuer, document kind and emission date, while
recording authoritative metadata in an SQLite catalog.

Reliability layers:
- Quarantine staging before any processing
- Automatic retry with exponential backoff
- Atomic catalog insert + file move with rollback
- Full audit trail of every attempt
- Dead letter queue for permanent failures
- Periodic reconciliation of stranded files and rows
`,
		Example: `  # Run the daemon
  xmlorganizer --src /mnt/c/Automations --dest /mnt/r/XML --data /var/lib/xmlorganizer

  # Drain the current inbox once and write an HTML report
  xmlorganizer --src ~/inbox --dest ~/archive --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(os.Args) == 1 {
				interactive = true
			}
			if interactive {
				cfg.SourceDir, cfg.ArchiveRoot, cfg.DataRoot = interactivePrompt(cfg.DataRoot)
			}
			cfg.ScanInterval = time.Duration(scanSeconds) * time.Second
			cfg.ReconciliationInterval = time.Duration(reconcileSeconds) * time.Second
			if err := cfg.validate(); err != nil {
				return err
			}
			if once && reportPath == "" {
				reportPath = filepath.Join(cfg.DataRoot,
					fmt.Sprintf("report_%s.html", time.Now().Format("20060102_150405")))
			}

			ctx, cancel := context.WithCancel(context.Background())
			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-interrupt
				color.New(color.FgRed, color.Bold).Println("\nInterrupted. Finishing in-flight batch.")
				cancel()
			}()

			return run(ctx, cfg, once, reportPath)
		},
	}

	rootCmd.Flags().StringVarP(&cfg.SourceDir, "src", "s", cfg.SourceDir, "Inbox directory (SOURCE_DIRECTORY)")
	rootCmd.Flags().StringVarP(&cfg.ArchiveRoot, "dest", "d", cfg.ArchiveRoot, "Archive root (DESTINATION_NETWORK_DIRECTORY)")
	rootCmd.Flags().StringVar(&cfg.DataRoot, "data", cfg.DataRoot, "Data root for staging, catalog and logs (DATA_ROOT)")
	rootCmd.Flags().IntVar(&cfg.MaxWorkers, "workers", cfg.MaxWorkers, "Parallel workers per batch (MAX_WORKERS)")
	rootCmd.Flags().IntVar(&scanSeconds, "scan-interval", int(cfg.ScanInterval.Seconds()), "Seconds between inbox scans (SCAN_INTERVAL)")
	rootCmd.Flags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Files per batch (BATCH_SIZE)")
	rootCmd.Flags().IntVar(&cfg.MaxRetryAttempts, "max-attempts", cfg.MaxRetryAttempts, "Attempts before dead-lettering a file (MAX_RETRY_ATTEMPTS)")
	rootCmd.Flags().Float64Var(&cfg.RetryDelayBase, "retry-base", cfg.RetryDelayBase, "Backoff base in seconds; attempt k sleeps base^k (RETRY_DELAY_BASE)")
	rootCmd.Flags().IntVar(&reconcileSeconds, "reconcile-interval", int(cfg.ReconciliationInterval.Seconds()), "Seconds between reconciliation sweeps (RECONCILIATION_INTERVAL)")
	rootCmd.Flags().BoolVar(&once, "once", false, "Drain the inbox once and exit")
	rootCmd.Flags().StringVar(&reportPath, "report", "", "HTML report path for --once mode")
	rootCmd.Flags().BoolVar(&interactive, "interactive", false, "Prompt for directories")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, once bool, reportPath string) error {
	checkDirExists(cfg.SourceDir, "Source")
	if err := os.MkdirAll(cfg.ArchiveRoot, 0755); err != nil {
		return fmt.Errorf("create archive root: %w", err)
	}
	areas := stagingAreas(cfg.DataRoot)
	if err := areas.ensure(); err != nil {
		return err
	}

	log, err := newOperationalLogger(cfg.logPath())
	if err != nil {
		return fmt.Errorf("open operational log: %w", err)
	}
	defer log.Sync()

	var audit AuditSink
	fileSink, err := newFileAuditSink(cfg.auditLogPath())
	if err != nil {
		log.Errorw("cannot open audit log, events will be dropped", "error", err)
		audit = nopAuditSink{}
	} else {
		audit = fileSink
		defer fileSink.Sync()
	}

	store, err := OpenStore(cfg.databasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	idem := NewIdempotencyCache()
	issuers := NewIssuerCache()
	if err := store.HydrateCaches(idem, issuers); err != nil {
		return fmt.Errorf("hydrate caches: %w", err)
	}
	hashes, _ := idem.Len()
	log.Infow("caches hydrated", "issuers", issuers.Len(), "documents", hashes)

	pipeline := NewPipeline(cfg, areas, store, idem, issuers, audit, log)
	reconciler := NewReconciler(cfg, areas, store, pipeline, audit, log)
	orch := NewOrchestrator(cfg, pipeline, reconciler, audit, log)

	if once {
		_, err := orch.DrainOnce(ctx, reportPath)
		return err
	}
	orch.Run(ctx)
	return nil
}

func checkDirExists(path, label string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[FATAL] %s directory '%s' does not exist: %v\n", label, path, err)
		os.Exit(1)
	}
	if !info.IsDir() {
		fmt.Fprintf(os.Stderr, "[FATAL] %s path '%s' is not a directory\n", label, path)
		os.Exit(1)
	}
}

func printBanner() {
	banner := `
	██╗  ██╗███╗   ███╗██╗      ██████╗ ██████╗  ██████╗
	╚██╗██╔╝████╗ ████║██║     ██╔═══██╗██╔══██╗██╔════╝
	 ╚███╔╝ ██╔████╔██║██║     ██║   ██║██████╔╝██║  ███╗
	 ██╔██╗ ██║╚██╔╝██║██║     ██║   ██║██╔══██╗██║   ██║
	██╔╝ ██╗██║ ╚═╝ ██║███████╗╚██████╔╝██║  ██║╚██████╔╝
	╚═╝  ╚═╝╚═╝     ╚═╝╚══════╝ ╚═════╝ ╚═╝  ╚═╝ ╚═════╝
`
	color.New(color.FgBlue, color.Bold).Println(banner)
}

// interactivePrompt asks for the three directories when run with no flags.
func interactivePrompt(defaultData string) (src, dest, data string) {
	printBanner()

	dirPrompt := func(label string, mustExist bool) string {
		prompt := promptui.Prompt{
			Label: label,
			Validate: func(input string) error {
				if input == "" {
					return fmt.Errorf("required")
				}
				if mustExist {
					info, err := os.Stat(input)
					if err != nil || !info.IsDir() {
						return fmt.Errorf("not a valid directory")
					}
				}
				return nil
			},
		}
		v, err := prompt.Run()
		if err == promptui.ErrInterrupt {
			color.New(color.FgRed, color.Bold).Println("\nInterrupted during prompt. Exiting cleanly.")
			os.Exit(130)
		} else if err != nil {
			fmt.Fprintf(os.Stderr, "[FATAL] %s prompt failed: %v\n", label, err)
			os.Exit(1)
		}
		return v
	}

	src = dirPrompt("Inbox directory", true)
	dest = dirPrompt("Archive root", false)

	prompt := promptui.Prompt{Label: "Data root", Default: defaultData}
	data, err := prompt.Run()
	if err == promptui.ErrInterrupt {
		color.New(color.FgRed, color.Bold).Println("\nInterrupted during prompt. Exiting cleanly.")
		os.Exit(130)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "[FATAL] Data root prompt failed: %v\n", err)
		os.Exit(1)
	}
	return src, dest, data
}
