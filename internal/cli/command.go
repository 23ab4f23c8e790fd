package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/arc-backup/internal/config"
)

// shutdownTimeout bounds flushing traces and closing the inventory.
const shutdownTimeout = 10 * time.Second

// CommandConfig configures a command that needs a Runtime.
type CommandConfig struct {
	// Name identifies this command in errors.
	Name string

	// Viper holds the command's bound flags.
	Viper *viper.Viper

	// ConfigFile is an explicit config path. Empty searches the defaults.
	ConfigFile string

	// Format selects the report format.
	Format Format

	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer

	// Run is the command's business logic.
	Run func(ctx context.Context, rt *Runtime, out *Output) error
}

// RunCommand loads and validates config, builds a Runtime, runs cfg.Run and
// tears the Runtime down.
func RunCommand(ctx context.Context, cfg CommandConfig) (err error) {
	if cfg.Name == "" {
		return errors.New("command name required")
	}
	if cfg.Viper == nil {
		return errors.New("viper required")
	}
	if cfg.Run == nil {
		return errors.New("run function required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	conf, err := config.Load(cfg.Viper, cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	rt, err := NewRuntime(ctx, conf, cfg.Stderr)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if cerr := rt.Close(sctx); cerr != nil && err == nil {
			err = fmt.Errorf("shutdown: %w", cerr)
		}
	}()

	if err := cfg.Run(ctx, rt, NewOutput(cfg.Format, cfg.Stdout)); err != nil {
		return fmt.Errorf("%s: %w", cfg.Name, err)
	}
	return nil
}
