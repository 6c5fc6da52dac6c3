package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rugcomposer/api"
	"rugcomposer/core"
	"rugcomposer/db"
	"rugcomposer/imagegen"
	"rugcomposer/ledger"
	"rugcomposer/logging"
	"rugcomposer/render"
	"rugcomposer/shutdown"
)

// cliEnv is the state every subcommand shares once the root pre-run has
// loaded configuration.
type cliEnv struct {
	envFile string
	out     io.Writer

	cfg    *core.Config
	logger *logging.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	env := &cliEnv{out: out}

	root := &cobra.Command{
		Use:   "rugcomposer",
		Short: "Composite carpet photos onto room floors",
		Long: `rugcomposer places a product carpet onto the floor of a customer's room photo
through an external image edit model, scores the candidates, refines the
selected one and charges one credit per successful render.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return env.load(cmd.ErrOrStderr())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			env.sync()
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&env.envFile, "env-file", ".env", "dotenv file read before the environment")

	root.AddCommand(
		newServeCmd(env),
		newMigrateCmd(env),
		newRenderCmd(env),
		newSeedAccountCmd(env),
	)
	return root
}

// load reads the dotenv file, the configuration and opens the logger.
func (e *cliEnv) load(stderr io.Writer) error {
	if err := godotenv.Load(e.envFile); err != nil {
		// Logger isn't initialized yet.
		fmt.Fprintf(stderr, "Warning: %s not loaded: %v\n", e.envFile, err)
	}

	cfg, err := core.LoadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{
		Development: cfg.DevMode,
		FilePath:    cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	e.cfg = cfg
	e.logger = logger
	logger.Debug("Configuration loaded",
		zap.String("image_edit_url", cfg.ImageEditURL),
		zap.String("image_model", cfg.ImageModel),
		zap.String("database", cfg.DatabasePath),
		zap.Int("port", cfg.Port),
		zap.Bool("dev_mode", cfg.DevMode),
	)
	return nil
}

func (e *cliEnv) sync() {
	if e.logger != nil {
		_ = e.logger.Sync()
	}
}

func newServeCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), env)
		},
	}
}

func runServe(ctx context.Context, env *cliEnv) error {
	cfg, logger := env.cfg, env.logger
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	app, err := newServerApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	manager := shutdown.NewManager(logger, shutdown.WithTimeout(cfg.ShutdownTimeout))
	server := api.NewServer(api.Deps{
		Renderer: app.service,
		Usage:    app.ledger,
		Attempts: app.repo,
		DB:       app.database,
		Tracker:  manager,
		Metrics:  app.recorder.Handler(),
		History:  app.history,
	}, api.OptionsFromConfig(cfg), logger)

	manager.Register("http", shutdown.PriorityHTTP, server.Shutdown)
	manager.Register("database", shutdown.PriorityDatabase, func(context.Context) error {
		return app.database.Close()
	})
	manager.Register("logger", shutdown.PriorityLogger, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})
	manager.Start()

	printBanner(env.out, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(manager.Context())
	}()

	var serveErr error
	select {
	case <-manager.Context().Done():
	case serveErr = <-errCh:
	}
	return errors.Join(serveErr, manager.Shutdown())
}

func newMigrateCmd(env *cliEnv) *cobra.Command {
	var (
		down   int
		status bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := env.cfg.DatabasePath
			switch {
			case status:
			case down > 0:
				if err := db.MigrateDownFromPath(path, down); err != nil {
					return err
				}
			default:
				database, err := db.NewDatabase(path)
				if err != nil {
					return err
				}
				defer database.Close()
				if err := database.Migrate(); err != nil {
					return err
				}
			}

			version, dirty, err := db.MigrationVersionFromPath(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (dirty=%t)\n", path, version, dirty)
			return nil
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations instead of applying")
	cmd.Flags().BoolVar(&status, "status", false, "print the schema version without migrating")
	return cmd
}

func newRenderCmd(env *cliEnv) *cobra.Command {
	var room, carpet, mode, out string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render one composite locally without the ledger",
		Long: `render runs preparation, generation, scoring and refinement for a single
room/carpet pair and writes the composite to --out. No credit is charged and
no render attempt is recorded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRender(ctx, env, room, carpet, mode, out)
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room photo (JPEG or PNG)")
	cmd.Flags().StringVar(&carpet, "carpet", "", "carpet photo (JPEG or PNG)")
	cmd.Flags().StringVar(&mode, "mode", string(imagegen.ModePreview), "preview or normal")
	cmd.Flags().StringVar(&out, "out", "composite.png", "output PNG path")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("carpet")
	return cmd
}

func runRender(ctx context.Context, env *cliEnv, roomPath, carpetPath, modeName, out string) error {
	mode, err := imagegen.ParseMode(modeName)
	if err != nil {
		return err
	}
	roomBytes, err := os.ReadFile(roomPath)
	if err != nil {
		return fmt.Errorf("read room: %w", err)
	}
	carpetBytes, err := os.ReadFile(carpetPath)
	if err != nil {
		return fmt.Errorf("read carpet: %w", err)
	}

	deps, err := newPipelineDeps(env.cfg, env.logger, nil)
	if err != nil {
		return err
	}
	svc := render.NewService(deps, env.cfg.Pipeline, env.cfg.DailyLimitHint, env.logger)

	in, err := svc.Prepare(roomBytes, carpetBytes)
	if err != nil {
		return err
	}
	comp, err := svc.Compose(ctx, mode, in)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, comp.Image, 0o644); err != nil {
		return fmt.Errorf("write composite: %w", err)
	}
	printComposite(env.out, comp, out)
	return nil
}

func newSeedAccountCmd(env *cliEnv) *cobra.Command {
	var (
		userID string
		credit int
	)
	cmd := &cobra.Command{
		Use:   "seed-account",
		Short: "Create a user account with starting credit if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := db.NewDatabase(env.cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer database.Close()
			if err := database.Migrate(); err != nil {
				return err
			}

			l := ledger.New(database, env.logger, nil)
			if err := l.EnsureAccount(cmd.Context(), userID, credit); err != nil {
				return err
			}
			balance, err := l.Balance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credit\n", userID, balance)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().IntVar(&credit, "credit", 20, "starting credit for a new account")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
