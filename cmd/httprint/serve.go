package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/orrn/httprint/internal/api"
	"github.com/orrn/httprint/internal/api/middleware"
	"github.com/orrn/httprint/internal/archive"
	"github.com/orrn/httprint/internal/config"
	"github.com/orrn/httprint/internal/core"
	"github.com/orrn/httprint/internal/db"
	"github.com/orrn/httprint/internal/logger"
	"github.com/orrn/httprint/internal/metrics"
	"github.com/orrn/httprint/internal/storage"
	"github.com/orrn/httprint/internal/webhook"
)

type serveOptions struct {
	configPath string

	address       string
	port          int
	requireCode   bool
	codeDigits    int
	maxCopies     int
	maxPages      int
	checkPDFPages bool
	queueDir      string
	archive       bool
	archiveDir    string
	debug         bool
}

func (o *serveOptions) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.address, "address", "", "Address to bind")
	fs.IntVar(&o.port, "port", 0, "Port to listen on")
	fs.BoolVar(&o.requireCode, "print-with-code", true, "Require a code before printing")
	fs.IntVar(&o.codeDigits, "code-digits", 0, "Number of digits of the code")
	fs.IntVar(&o.maxCopies, "max-copies", 0, "Maximum copies per upload")
	fs.IntVar(&o.maxPages, "max-pages", 0, "Maximum pages (pages x copies) per PDF upload")
	fs.BoolVar(&o.checkPDFPages, "check-pdf-pages", false, "Reject PDF uploads over --max-pages")
	fs.StringVar(&o.queueDir, "queue-dir", "", "Directory holding files waiting to be printed")
	fs.BoolVar(&o.archive, "archive", true, "Archive printed files")
	fs.StringVar(&o.archiveDir, "archive-dir", "", "Directory receiving printed files")
	fs.BoolVar(&o.debug, "debug", false, "Debug logging and gin debug mode")
}

// apply copies the flags the user actually set over cfg.
func (o *serveOptions) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("address") {
		cfg.Server.Address = o.address
	}
	if fs.Changed("port") {
		cfg.Server.Port = o.port
	}
	if fs.Changed("print-with-code") {
		cfg.Print.RequireCode = o.requireCode
	}
	if fs.Changed("code-digits") {
		cfg.Print.CodeDigits = o.codeDigits
	}
	if fs.Changed("max-copies") {
		cfg.Print.MaxCopies = o.maxCopies
	}
	if fs.Changed("max-pages") {
		cfg.Print.MaxPages = o.maxPages
	}
	if fs.Changed("check-pdf-pages") {
		cfg.Print.CheckPDFPages = o.checkPDFPages
	}
	if fs.Changed("queue-dir") {
		cfg.Storage.QueueDir = o.queueDir
	}
	if fs.Changed("archive") {
		cfg.Archive.Enabled = o.archive
	}
	if fs.Changed("archive-dir") {
		cfg.Archive.Dir = o.archiveDir
	}
	if o.debug {
		cfg.Logging.Level = "debug"
	}
}

func newServeCmd(opts *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the print server (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			opts.apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServer(cmd.Context(), cfg, opts.debug)
		},
	}
	opts.bind(cmd.Flags())
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, debug bool) error {
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	useTLS, err := api.ResolveTLS(cfg.Server)
	if err != nil {
		return err
	}

	store, err := storage.New(storage.Config{
		QueueDir:      cfg.Storage.QueueDir,
		MaxFileBytes:  cfg.Server.MaxUploadBytes,
		MaxQueueBytes: cfg.Storage.MaxQueueBytes,
		Logger:        log.Named("storage"),
	})
	if err != nil {
		return err
	}

	registry := core.NewRegistry(core.RegistryConfig{
		CodeDigits: cfg.Print.CodeDigits,
		CodeTTL:    cfg.Jobs.CodeTTL,
		Retention:  cfg.Jobs.Retention,
	})
	spooler := core.NewSpooler(core.SpoolerConfig{
		RequireCode:     cfg.Print.RequireCode,
		MaxCopies:       cfg.Print.MaxCopies,
		MaxPages:        cfg.Print.MaxPages,
		CheckPages:      cfg.Print.CheckPDFPages,
		DispatchTimeout: cfg.Print.Timeout,
		SweepInterval:   cfg.Jobs.SweepInterval,
	}, registry, store, newDispatcher(cfg, log), log.Named("spooler"))
	if cfg.Print.CheckPDFPages {
		spooler.SetPageCounter(storage.PDFPageCounter{})
	}

	deps := api.Deps{Config: cfg, Spooler: spooler, Logger: log, TLS: useTLS}

	var ledger *db.Ledger
	if cfg.Database.Path != "" {
		conn, err := db.Open(db.Config{Path: cfg.Database.Path})
		if err != nil {
			return err
		}
		defer conn.Close()
		ledger = db.NewLedger(conn, log.Named("ledger"))
		spooler.AddObserver(ledger)
		deps.Ledger = ledger
	}

	if cfg.Archive.Enabled {
		sink, err := newArchiveSink(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		archiver := archive.NewArchiver(sink, store.Remove, archive.Config{
			KeepDays:      cfg.Archive.KeepDays,
			PruneInterval: cfg.Archive.PruneInterval,
		}, log.Named("archive"))
		if ledger != nil {
			archiver.AddPruner(ledger)
		}
		spooler.SetArchiver(archiver)
		archiver.Start()
		defer archiver.Stop()
		deps.Archiver = archiver
	}

	if len(cfg.Webhooks) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(cfg.Webhooks))
		for _, w := range cfg.Webhooks {
			endpoints = append(endpoints, webhook.Endpoint{URL: w.URL, Secret: w.Secret, Events: w.Events})
		}
		sender := webhook.NewSender(webhook.Config{Endpoints: endpoints}, log.Named("webhook"))
		spooler.AddObserver(sender)
		sender.Start()
		defer sender.Stop()
		deps.Webhooks = sender
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(spooler.Stats)
		spooler.AddObserver(collector)
		deps.Metrics = collector
	}

	if cfg.Admin.Enabled() {
		auth, err := middleware.NewAuthMiddleware(middleware.AuthConfig{
			PasswordHash:  cfg.Admin.PasswordHash,
			Secret:        cfg.Admin.JWTSecret,
			TokenDuration: cfg.Admin.TokenTTL,
			SecureCookie:  useTLS,
		})
		if err != nil {
			return err
		}
		deps.Auth = auth
	}

	spooler.Start()
	defer spooler.Stop()

	log.Info("httprint ready",
		zap.Bool("require_code", cfg.Print.RequireCode),
		zap.String("backend", cfg.Print.Backend),
		zap.String("queue_dir", store.Dir()),
		zap.Bool("archive", cfg.Archive.Enabled),
		zap.Bool("admin", deps.Auth != nil),
	)

	return api.NewServer(cfg, api.NewRouter(deps), useTLS, log.Named("http")).Run(ctx)
}

func newDispatcher(cfg *config.Config, log *zap.Logger) core.Dispatcher {
	if cfg.Print.Backend == "socket" {
		return core.NewSocketDispatcher(cfg.Print.SocketAddress, 0, log.Named("socket"))
	}
	return core.NewCommandDispatcher(cfg.Print.Command, log.Named("command"))
}

func newArchiveSink(ctx context.Context, cfg config.ArchiveConfig) (archive.Sink, error) {
	if !cfg.S3.Enabled() {
		return archive.NewDirSink(cfg.Dir)
	}

	sink, err := archive.NewMinioSink(archive.S3Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		Region:    cfg.S3.Region,
		Prefix:    cfg.S3.Prefix,
		UseSSL:    cfg.S3.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := sink.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return sink, nil
}
