package cli

import (
	"log/slog"
	"time"

	"geoclip/internal/client"
	"geoclip/internal/config"
)

// Root carries the shared dependencies for all subcommands.
type Root struct {
	cfg *config.Config
	log *slog.Logger
}

// NewRoot bundles config and logger for command construction.
func NewRoot(cfg *config.Config, log *slog.Logger) *Root {
	return &Root{cfg: cfg, log: log}
}

// coordinator builds the retrieval client from config.
func (r *Root) coordinator() *client.Coordinator {
	return client.New(
		r.cfg.Client.BaseURL,
		r.cfg.Client.RetryAttempts,
		time.Duration(r.cfg.Client.RetryDelayMS)*time.Millisecond,
		time.Duration(r.cfg.Client.PollIntervalMS)*time.Millisecond,
		r.log,
	)
}
