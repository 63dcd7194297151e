package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/streambridge/internal/cli/config"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			exe, _ := os.Executable()
			exe = strings.TrimSpace(exe)
			look, _ := exec.LookPath("streambridge")
			look = strings.TrimSpace(look)

			fmt.Fprintf(out, "streambridge_executable=%s\n", exe)
			if look != "" {
				fmt.Fprintf(out, "streambridge_on_path=%s\n", look)
			}
			if exe != "" && look != "" {
				absExe, _ := filepath.EvalSymlinks(exe)
				absLook, _ := filepath.EvalSymlinks(look)
				if absExe != "" && absLook != "" && absExe != absLook {
					fmt.Fprintln(out, "warning=you_are_not_running_the_same_streambridge_as_on_PATH")
				}
			}
			if env := strings.TrimSpace(os.Getenv("STREAMBRIDGE_BACKEND_ADDR")); env != "" {
				fmt.Fprintf(out, "STREAMBRIDGE_BACKEND_ADDR=%s\n", env)
			}
			for _, tool := range []string{"xdg-open", "open"} {
				if p, err := exec.LookPath(tool); err == nil {
					fmt.Fprintf(out, "opener=%s\n", p)
					break
				}
			}

			cfgPath := effectiveConfigPath(cmd)
			fmt.Fprintf(out, "config_path=%s\n", cfgPath)
			fmt.Fprintf(out, "default_data_dir=%s\n", cliconfig.DefaultDataDir())
			cfg, err := cliconfig.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(out, "config_error=%s\n", err.Error())
				return nil
			}
			if cfg == nil {
				fmt.Fprintln(out, "config_present=false")
				return nil
			}
			fmt.Fprintln(out, "config_present=true")
			fmt.Fprintf(out, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
			for _, name := range cfg.ContextNames() {
				c := cfg.Contexts[name]
				if c == nil {
					continue
				}
				transport := c.Transport
				if transport == "" {
					transport = "rpc"
				}
				line := fmt.Sprintf("context=%s server=%s transport=%s timeout=%d", name, strings.TrimSpace(c.Server), transport, c.TimeoutSeconds)
				if c.Worker != nil && len(c.Worker.Command) > 0 {
					line += " worker=" + c.Worker.Command[0]
					if _, err := exec.LookPath(c.Worker.Command[0]); err != nil {
						line += " worker_found=false"
					}
				}
				if c.NATS != nil {
					line += " nats=" + c.NATS.URL
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func effectiveConfigPath(cmd *cobra.Command) string {
	if cmd != nil && cmd.Root() != nil {
		if v, err := cmd.Root().PersistentFlags().GetString("config"); err == nil && strings.TrimSpace(v) != "" {
			return v
		}
	}
	if v := strings.TrimSpace(os.Getenv("STREAMBRIDGE_CONFIG")); v != "" {
		return v
	}
	return cliconfig.DefaultConfigPath()
}
