package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"geoclip/internal/config"
	"geoclip/internal/dispatch"
	"geoclip/internal/events"
	"geoclip/internal/materialize"
	"geoclip/internal/server"
	"geoclip/internal/storage"
	"geoclip/internal/worker"
)

const version = "0.3.0"

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	root := NewRoot(cfg, log)

	rootCmd := &cobra.Command{
		Use:   "geoclip",
		Short: "Geoclip orchestrates clip-and-register jobs over geo-referenced rasters",
		Long: `Geoclip accepts two geo-referenced raster uploads, dispatches
clip-and-register processing for a chosen area of interest to an external
compute worker, and serves the derived rasters once they materialize.`,
	}

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newUploadCmd(root))
	rootCmd.AddCommand(newSubmitCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newFetchCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration HTTP server",
		Long: `Start the HTTP server that accepts raster uploads, dispatches
clip-and-register jobs to the compute worker and serves derived artifacts.

Examples:
  geoclip serve
  geoclip serve --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				root.cfg.Server.Addr = addr
			}
			if err := root.cfg.EnsureDirs(); err != nil {
				return fmt.Errorf("prepare data directories: %w", err)
			}

			store, err := storage.New(root.cfg.Storage.DatabasePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			hub := events.NewHub()
			wc := worker.NewClient(root.cfg.Worker.BaseURL, root.log)
			dispatcher := dispatch.New(store, wc, hub, root.cfg.UploadsDir(), root.cfg.OutputsDir(), root.log)
			mat := materialize.New(root.log)

			srv, err := server.NewServer(root.cfg, store, dispatcher, mat, wc, hub, root.log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			root.log.Info("starting geoclip",
				"addr", root.cfg.Server.Addr,
				"worker", root.cfg.Worker.BaseURL,
				"data_dir", root.cfg.Storage.DataDir,
			)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func newUploadCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <raster-file>",
		Short: "Upload a source raster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := root.coordinator().UploadImage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		imageA, imageB string
		aoi            storage.AOI
		wait           bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a clip-and-register job",
		Long: `Submit a job clipping both rasters to the AOI and registering B to A.

Example:
  geoclip submit --image-a <id> --image-b <id> \
    --north 12.45 --south 12.15 --east 77.65 --west 77.25 --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			coord := root.coordinator()
			jobID, err := coord.SubmitJob(cmd.Context(), imageA, imageB, aoi)
			if err != nil {
				return err
			}
			fmt.Println(jobID)
			if !wait {
				return nil
			}

			rec, err := coord.PollJob(cmd.Context(), jobID, func(status storage.JobStatus, progress int) {
				fmt.Fprintf(os.Stderr, "\r%s %3d%%", status, progress)
			})
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
			if rec.Status == storage.JobError {
				return fmt.Errorf("job failed: %s", rec.Error)
			}
			if rec.Outputs == nil {
				return fmt.Errorf("job %s is %s but reported no outputs", jobID, rec.Status)
			}
			fmt.Printf("outputs: a=%s b=%s\n", rec.Outputs.ImageA, rec.Outputs.ImageB)
			return nil
		},
	}

	cmd.Flags().StringVar(&imageA, "image-a", "", "identifier of the reference raster")
	cmd.Flags().StringVar(&imageB, "image-b", "", "identifier of the raster to align")
	cmd.Flags().Float64Var(&aoi.North, "north", 0, "AOI north bound (degrees)")
	cmd.Flags().Float64Var(&aoi.South, "south", 0, "AOI south bound (degrees)")
	cmd.Flags().Float64Var(&aoi.East, "east", 0, "AOI east bound (degrees)")
	cmd.Flags().Float64Var(&aoi.West, "west", 0, "AOI west bound (degrees)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job reaches a terminal state")
	cmd.MarkFlagRequired("image-a")
	cmd.MarkFlagRequired("image-b")
	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord := root.coordinator()
			if follow {
				rec, err := coord.PollJob(cmd.Context(), args[0], func(status storage.JobStatus, progress int) {
					fmt.Fprintf(os.Stderr, "\r%s %3d%%", status, progress)
				})
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return err
				}
				return printJSON(rec)
			}

			rec, err := coord.JobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}

	cmd.Flags().BoolVar(&follow, "follow", false, "poll until terminal")
	return cmd
}

func newFetchCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "fetch <job-id> <a|b>",
		Short: "Download a job output raster, waiting for it to materialize",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, which := args[0], args[1]
			if which != "a" && which != "b" {
				return fmt.Errorf("output selector must be \"a\" or \"b\", got %q", which)
			}

			body, err := root.coordinator().FetchArtifact(cmd.Context(), "/api/jobs/"+jobID+"/raster/"+which)
			if err != nil {
				return err
			}

			if output == "" {
				output = fmt.Sprintf("%s_%s.tif", jobID, which)
			}
			if err := os.WriteFile(output, body, 0o644); err != nil {
				return err
			}
			root.log.Info("artifact saved", "path", output, "bytes", len(body))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live job and artifact events",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := websocketURL(root.cfg.Client.BaseURL)
			if err != nil {
				return err
			}

			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", wsURL, err)
			}
			defer conn.Close()

			go func() {
				<-cmd.Context().Done()
				conn.Close()
			}()

			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				fmt.Println(string(msg))
			}
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(root.cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the geoclip version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("geoclip " + version)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// websocketURL rewrites an http(s) base URL into its ws(s) /ws endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
