package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dogmatiq/dodeca/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/obflow/obflow"
	"github.com/obflow/obflow/api"
	"github.com/obflow/obflow/compile"
	"github.com/obflow/obflow/persistence"
	"github.com/obflow/obflow/persistence/boltpersistence"
	"github.com/obflow/obflow/persistence/memorypersistence"
)

var rootCmd = &cobra.Command{
	Use:   "obflow",
	Short: "obflow is a business-process execution engine",
	Long: `obflow compiles YAML process definitions to content-addressed bytecode and
executes them as cooperative fibers, with pull-based jobs for service tasks
and an append-only event log per instance.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(compileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OBFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd)
		},
	}

	cmd.Flags().String("listen", ":8080", "address the HTTP API listens on")
	cmd.Flags().String("db", "/var/run/obflow.boltdb", "path to the BoltDB database file")
	cmd.Flags().Bool("memory", false, "keep all state in memory, losing it on exit")
	cmd.Flags().Duration("tick-interval", 0, "interval between timer scans")
	cmd.Flags().Bool("verbose", false, "enable debug logging")

	for _, f := range []string{"listen", "db", "memory", "tick-interval", "verbose"} {
		_ = viper.BindPFlag(f, cmd.Flags().Lookup(f))
	}

	return cmd
}

func serve(cmd *cobra.Command) error {
	logger := &logging.StandardLogger{
		CaptureDebug: viper.GetBool("verbose"),
	}

	var provider persistence.Provider
	if viper.GetBool("memory") {
		provider = &memorypersistence.Provider{}
	} else {
		provider = &boltpersistence.FileProvider{
			Path: viper.GetString("db"),
		}
	}

	engine := obflow.New(
		obflow.WithPersistence(provider),
		obflow.WithTickInterval(viper.GetDuration("tick-interval")),
		obflow.WithLogger(logger),
	)
	defer engine.Close()

	server := &http.Server{
		Addr: viper.GetString("listen"),
		Handler: (&api.Server{
			Engine: engine,
			Logger: logger,
		}).Handler(),
	}

	ctx, stop := signal.NotifyContext(
		cmd.Context(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(ctx)
	})

	g.Go(func() error {
		logging.Log(logger, "listening on %s", server.Addr)

		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return server.Shutdown(shutdown)
	})

	err := g.Wait()

	if ctx.Err() != nil {
		// a signal requested the shutdown
		return nil
	}

	return err
}

func compileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <source-file>",
		Short: "Compile a process definition and print its bytecode version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			p, diags, err := compile.Compile(src)

			for _, d := range diags {
				fmt.Fprintln(cmd.ErrOrStderr(), d)
			}

			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), p.Version)

			return nil
		},
	}
}
