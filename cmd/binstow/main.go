package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/binstow/binstow/internal/buildinfo"
	"github.com/binstow/binstow/internal/log"
)

var (
	quietFlag   bool
	verboseFlag bool
	debugFlag   bool
)

// globalCtx is canceled on SIGINT/SIGTERM; every network or filesystem
// operation the root command kicks off takes this context.
var globalCtx context.Context
var globalCancel context.CancelFunc

var rootCmd = &cobra.Command{
	Use:   "binstow crate[@version-req]...",
	Short: "Install prebuilt binaries for crates.io packages",
	Long: `binstow resolves one or more crates against a sparse crate-registry
index, locates a prebuilt release artifact for the host's target, verifies
it, and installs its binaries into the cargo install root — without
compiling anything.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInstall,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Show errors only")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Show verbose output (INFO level)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Show debug output (includes timestamps and source locations)")
	rootCmd.PersistentPreRun = initLogger
	rootCmd.Version = buildinfo.Version()

	registerInstallFlags(rootCmd)
}

func main() {
	globalCtx, globalCancel = context.WithCancel(context.Background())
	defer globalCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived %s, canceling operation...\n", sig)
		globalCancel()

		<-sigChan
		fmt.Fprintln(os.Stderr, "Forced exit")
		os.Exit(32) // binstallerr.KindUserAbort's exit code
	}()

	if err := rootCmd.ExecuteContext(globalCtx); err != nil {
		// cobra has already printed err (SilenceErrors is not set); an
		// exitCodeError also carries the process exit code to use.
		var exitErr *exitCodeError
		if asExitCodeError(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogger(cmd *cobra.Command, args []string) {
	level := determineLogLevel()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	log.SetDefault(log.New(handler))

	if level == slog.LevelDebug {
		fmt.Fprintln(os.Stderr, "[DEBUG MODE] Output may contain file paths and URLs. Do not share publicly.")
	}
}

// determineLogLevel returns the appropriate slog.Level based on flags and
// environment variables. Priority: flags > environment variables > default
// (WARN).
func determineLogLevel() slog.Level {
	if debugFlag {
		return slog.LevelDebug
	}
	if verboseFlag {
		return slog.LevelInfo
	}
	if quietFlag {
		return slog.LevelError
	}

	if isTruthy(os.Getenv("BINSTOW_DEBUG")) {
		return slog.LevelDebug
	}
	if isTruthy(os.Getenv("BINSTOW_VERBOSE")) {
		return slog.LevelInfo
	}
	if isTruthy(os.Getenv("BINSTOW_QUIET")) {
		return slog.LevelError
	}

	return slog.LevelWarn
}

func isTruthy(s string) bool {
	s = strings.ToLower(s)
	return s == "1" || s == "true" || s == "yes" || s == "on"
}
