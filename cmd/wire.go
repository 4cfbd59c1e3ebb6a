package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"privchat/internal/client"
	"privchat/internal/config"
	"privchat/internal/session"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configDir  = ".privchat"
	configName = "client"
	configType = "toml"
)

type app struct {
	v      *viper.Viper
	cfg    *config.Client
	logger *slog.Logger

	newSession func(ctx context.Context, cfg *config.Client, logger *slog.Logger) (*session.Session, error)
}

func newApp() *app {
	return &app{
		v:          viper.New(),
		newSession: client.New,
	}
}

func (a *app) bindFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (default $HOME/.privchat/client.toml)")
	flags.String("server-url", "", "relay base URL (env PRIVCHAT_SERVER_URL)")
	flags.String("token", "", "bearer token issued by the relay admin (env PRIVCHAT_TOKEN)")
	flags.String("user-id", "", "your user id (env PRIVCHAT_USER_ID)")
	flags.Bool("verbose", false, "log diagnostics to stderr")

	_ = a.v.BindPFlag(config.KeyServerURL, flags.Lookup("server-url"))
	_ = a.v.BindPFlag(config.KeyToken, flags.Lookup("token"))
	_ = a.v.BindPFlag(config.KeyUserID, flags.Lookup("user-id"))
}

func (a *app) load(cmd *cobra.Command) error {
	flags := cmd.Flags()

	if path, _ := flags.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
	} else {
		a.v.SetConfigName(configName)
		a.v.SetConfigType(configType)
		if homeDir, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(filepath.Join(homeDir, configDir))
		}
	}

	cfg, err := config.LoadClient(a.v)
	if err != nil {
		return fmt.Errorf("load client config: %w", err)
	}
	a.cfg = cfg

	level := slog.LevelWarn
	if verbose, _ := flags.GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

func (a *app) session(ctx context.Context) (*session.Session, error) {
	s, err := a.newSession(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", a.cfg.ServerURL, err)
	}
	return s, nil
}
