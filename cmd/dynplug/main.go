// Command dynplug is the host runtime's command-line front-end: list,
// enable, disable, and execute plugins, or serve the HTTP front-end,
// all through a single in-process Manager.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dynplug/dynplug/dynplugerr"
	"github.com/dynplug/dynplug/httpapi"
	"github.com/dynplug/dynplug/manager"
)

// Exit codes per the external interface: 0 success, 1 user error, 2
// configuration error, 3 internal error.
const (
	exitOK          = 0
	exitUserError   = 1
	exitConfigError = 2
	exitInternal    = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	root := &cobra.Command{
		Use:   "dynplug",
		Short: "Host runtime for dynamically loaded native plugins",
		Long: `dynplug discovers shared-object plugins in a configured directory,
loads and validates them against a frozen ABI, and exposes enable,
disable, and execute operations through this CLI or the serve command's
HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")

	exitCode := exitOK
	setExit := func(code int) { exitCode = code }

	root.AddCommand(
		newListCommand(&configPath, logger, setExit),
		newEnableCommand(&configPath, logger, setExit),
		newDisableCommand(&configPath, logger, setExit),
		newExecuteCommand(&configPath, logger, setExit),
		newServeCommand(&configPath, logger, setExit),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == exitOK {
			exitCode = exitInternal
		}
	}
	return exitCode
}

func initManager(configPath string, logger *slog.Logger) (*manager.Manager, error) {
	mgr, report, err := manager.Init(configPath, logger)
	if err != nil {
		return nil, err
	}
	for _, failure := range report.Failed {
		logger.Warn("plugin failed to load during scan", "path", failure.Path, "error", failure.Err)
	}
	return mgr, nil
}

func newListCommand(configPath *string, logger *slog.Logger, setExit func(int)) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := initManager(*configPath, logger)
			if err != nil {
				setExit(exitConfigError)
				return err
			}
			for _, info := range mgr.List() {
				fmt.Printf("%-20s enabled=%-5t loaded=%-5t %s\n", info.Name, info.Enabled, info.Loaded, info.Description)
			}
			return nil
		},
	}
}

func newEnableCommand(configPath *string, logger *slog.Logger, setExit func(int)) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>...",
		Short: "Enable one or more plugins",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := initManager(*configPath, logger)
			if err != nil {
				setExit(exitConfigError)
				return err
			}
			return runBatchEnable(mgr, args, true, setExit)
		},
	}
}

func newDisableCommand(configPath *string, logger *slog.Logger, setExit func(int)) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>...",
		Short: "Disable one or more plugins",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := initManager(*configPath, logger)
			if err != nil {
				setExit(exitConfigError)
				return err
			}
			return runBatchEnable(mgr, args, false, setExit)
		},
	}
}

// runBatchEnable drives Manager.EnableMany/DisableMany over names,
// preserving the caller's argument order when reporting results and
// never letting one name's failure skip the rest. The exit code reflects
// the most severe outcome across the whole batch.
func runBatchEnable(mgr *manager.Manager, names []string, enabled bool, setExit func(int)) error {
	var results map[string]error
	verb := "enabled"
	if enabled {
		results = mgr.EnableMany(names)
	} else {
		results = mgr.DisableMany(names)
		verb = "disabled"
	}

	worstExit := exitOK
	var failures int
	for _, name := range names {
		if err := results[name]; err != nil {
			failures++
			fmt.Printf("failed to %s %s: %s\n", strings.TrimSuffix(verb, "d"), name, userFacingError(err))
			if code := exitCodeFor(err); code > worstExit {
				worstExit = code
			}
			continue
		}
		fmt.Printf("%s %s\n", verb, name)
	}

	if failures > 0 {
		setExit(worstExit)
		return fmt.Errorf("%d of %d plugins failed to %s", failures, len(names), strings.TrimSuffix(verb, "d"))
	}
	return nil
}

func newExecuteCommand(configPath *string, logger *slog.Logger, setExit func(int)) *cobra.Command {
	var maxAttempts int
	var retryBackoff time.Duration

	cmd := &cobra.Command{
		Use:   "execute <name> [input]",
		Short: "Execute a plugin, reading stdin if input is omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := initManager(*configPath, logger)
			if err != nil {
				setExit(exitConfigError)
				return err
			}

			input, err := resolveInput(args, cmd.InOrStdin())
			if err != nil {
				setExit(exitUserError)
				return err
			}

			opts := manager.ExecutionOptions{MaxAttempts: maxAttempts, RetryBackoff: retryBackoff}
			result := mgr.Execute(args[0], input, opts)
			if result.Err != nil {
				setExit(exitCodeFor(result.Err))
				return userFacingError(result.Err)
			}
			fmt.Println(result.Output)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 1, "maximum execution attempts for transient failures")
	cmd.Flags().DurationVar(&retryBackoff, "retry-backoff", 0, "sleep between retry attempts")
	return cmd
}

func resolveInput(args []string, stdin io.Reader) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func newServeCommand(configPath *string, logger *slog.Logger, setExit func(int)) *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP front-end",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := initManager(*configPath, logger)
			if err != nil {
				setExit(exitConfigError)
				return err
			}

			server := mgr.ServerConfig()
			flagsChanged := cmd.Flags().Changed("host") || cmd.Flags().Changed("port")
			if !cmd.Flags().Changed("host") {
				host = server.Host
			}
			if !cmd.Flags().Changed("port") {
				port = server.Port
			}
			if flagsChanged {
				server.Host = host
				server.Port = port
				if err := mgr.SetServerConfig(server); err != nil {
					setExit(exitCodeFor(err))
					return userFacingError(err)
				}
			}

			api := httpapi.New(mgr, logger)
			addr := net.JoinHostPort(host, strconv.Itoa(port))

			httpSrv := &http.Server{Addr: addr, Handler: api.Router()}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("serving http api", "addr", addr)
				serveErr <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-serveErr:
				if err != nil && err != http.ErrServerClosed {
					setExit(exitInternal)
					return err
				}
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := httpSrv.Shutdown(shutdownCtx); err != nil {
					setExit(exitInternal)
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "host to bind (defaults to config)")
	cmd.Flags().IntVar(&port, "port", 0, "port to bind (defaults to config)")
	return cmd
}

// exitCodeFor maps an error to the exit code the external interface
// specifies: user errors (NotFound, Disabled) exit 1, config-related
// errors exit 2, everything else exits 3.
func exitCodeFor(err error) int {
	e, ok := dynplugerr.As(err)
	if !ok {
		return exitInternal
	}
	switch e.Kind() {
	case dynplugerr.KindNotFound, dynplugerr.KindDisabled:
		return exitUserError
	case dynplugerr.KindConfigError:
		return exitConfigError
	default:
		return exitInternal
	}
}

func userFacingError(err error) error {
	if e, ok := dynplugerr.As(err); ok {
		return fmt.Errorf("%s", e.UserMessage())
	}
	return err
}
