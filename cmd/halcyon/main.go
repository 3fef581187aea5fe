// Command halcyon manages the gateway process: start runs it in the
// foreground, the other verbs control a running instance through its pid
// file and health endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyonlabs/halcyon/internal/app"
	"github.com/halcyonlabs/halcyon/internal/config"
)

// Exit codes for scripting.
const (
	exitOK          = 0
	exitConfig      = 2
	exitPortInUse   = 3
	exitDependency  = 4
	exitTimeout     = 5
	exitOtherFailed = 1
)

func main() {
	root := &cobra.Command{
		Use:           "halcyon",
		Short:         "Offline-first AI gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(startCmd(), stopCmd(), statusCmd(), restartCmd(), ensureCmd(), logsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// codedError carries an exit code alongside the message.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func coded(code int, format string, args ...any) error {
	return &codedError{code: code, err: fmt.Errorf(format, args...)}
}

func exitCodeFor(err error) int {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitOtherFailed
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the gateway in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.LoadEnv()
			settings := app.SettingsFromEnv()

			if err := checkPortFree(settings.Addr); err != nil {
				return err
			}
			if err := writePidFile(settings.DataDir); err != nil {
				return coded(exitConfig, "halcyon: write pid file: %v", err)
			}
			defer removePidFile(settings.DataDir)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := app.New(settings).Run(ctx); err != nil {
				return coded(exitOtherFailed, "halcyon: %v", err)
			}
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := app.SettingsFromEnv()
			pid, err := readPidFile(settings.DataDir)
			if err != nil {
				return coded(exitDependency, "halcyon: not running (no pid file)")
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				removePidFile(settings.DataDir)
				return coded(exitDependency, "halcyon: process %d not found", pid)
			}

			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				if syscall.Kill(pid, 0) != nil {
					fmt.Println("Stopped.")
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
			return coded(exitTimeout, "halcyon: process %d did not exit within %v", pid, wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "how long to wait for a clean exit")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the gateway is running and healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := app.SettingsFromEnv()
			pid, err := readPidFile(settings.DataDir)
			if err != nil || syscall.Kill(pid, 0) != nil {
				fmt.Println("Not running.")
				return coded(exitDependency, "halcyon: not running")
			}

			body, err := fetchHealth(settings.Addr)
			if err != nil {
				fmt.Printf("Running (pid %d) but health check failed: %v\n", pid, err)
				return coded(exitTimeout, "halcyon: health check: %v", err)
			}
			fmt.Printf("Running (pid %d)\n%s\n", pid, body)
			return nil
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop the gateway, then start it",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := app.SettingsFromEnv()
			if pid, err := readPidFile(settings.DataDir); err == nil {
				if syscall.Kill(pid, syscall.SIGTERM) == nil {
					for i := 0; i < 75 && syscall.Kill(pid, 0) == nil; i++ {
						time.Sleep(200 * time.Millisecond)
					}
					if syscall.Kill(pid, 0) == nil {
						return coded(exitTimeout, "halcyon: old process %d did not exit", pid)
					}
				}
			}
			return startCmd().RunE(cmd, args)
		},
	}
}

func ensureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Start the gateway only if it is not already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := app.SettingsFromEnv()
			if pid, err := readPidFile(settings.DataDir); err == nil && syscall.Kill(pid, 0) == nil {
				fmt.Printf("Already running (pid %d).\n", pid)
				return nil
			}
			return startCmd().RunE(cmd, args)
		},
	}
}

func logsCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the gateway log file",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := app.SettingsFromEnv()
			path := filepath.Join(settings.DataDir, "halcyon.log")
			data, err := os.ReadFile(path)
			if err != nil {
				return coded(exitDependency, "halcyon: no log file at %s", path)
			}
			all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
			if len(all) > lines {
				all = all[len(all)-lines:]
			}
			fmt.Println(strings.Join(all, "\n"))
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "number of trailing lines")
	return cmd
}

func checkPortFree(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return coded(exitPortInUse, "halcyon: %s is already in use", addr)
	}
	ln.Close()
	return nil
}

func pidPath(dataDir string) string { return filepath.Join(dataDir, "halcyon.pid") }

func writePidFile(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidPath(dataDir), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPidFile(dataDir string) (int, error) {
	data, err := os.ReadFile(pidPath(dataDir))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePidFile(dataDir string) {
	if err := os.Remove(pidPath(dataDir)); err != nil && !os.IsNotExist(err) {
		log.Printf("[CLI] Remove pid file: %v", err)
	}
}

func fetchHealth(addr string) (string, error) {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+"/health", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return strings.TrimSpace(string(body)), err
}
