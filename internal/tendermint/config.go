package tendermint

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// InitTendermint initializes a Tendermint home directory with config and
// genesis files. It does nothing when the home is already initialized.
//
// It runs: `tendermint init --home <tmHome>`
func InitTendermint(tmHome string) error {
	if tmHome == "" {
		tmHome = TendermintHome()
	}

	configFile := filepath.Join(tmHome, "config", "config.toml")
	if _, err := os.Stat(configFile); err == nil {
		return nil
	}

	cmd := exec.Command("tendermint", "init", "--home", tmHome)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to initialize Tendermint: %w", err)
	}

	return nil
}

// GetTendermintCommand returns the command that starts a Tendermint node
// connected to the ABCI socket. The process is killed when ctx is done.
//
// Example:
//
//	cmd := tendermint.GetTendermintCommand(ctx, "/var/lib/dvr/tmhome", "unix://dvr.sock")
//	cmd.Start()
func GetTendermintCommand(ctx context.Context, tmHome, socketAddr string) *exec.Cmd {
	if tmHome == "" {
		tmHome = TendermintHome()
	}

	if socketAddr == "" {
		socketAddr = DefaultSocket
	}

	cmd := exec.CommandContext(ctx, "tendermint", "node",
		"--home", tmHome,
		"--proxy_app", socketAddr,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd
}

// TendermintHome returns the default Tendermint home directory.
func TendermintHome() string {
	if home := os.Getenv("TMHOME"); home != "" {
		return home
	}
	return filepath.Join(os.Getenv("HOME"), ".tendermint")
}
