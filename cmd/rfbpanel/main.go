// Command rfbpanel drives a remote framebuffer display from the
// terminal: capture screenshots, inject clicks and keystrokes, and
// record the screen to an AVI file.
//
// Connection settings resolve in three layers: a YAML file given with
// --config, then VNC_* environment variables, then explicit flags, the
// later layers winning.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/benchlab/rfbpanel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	host       string
	port       int
	password   string
	protocol   string
	transport  string
	wsPath     string
	width      int
	height     int
	exclusive  bool
	timeout    time.Duration
	idle       time.Duration
	logLevel   string
	logJSON    bool
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "rfbpanel",
		Short:         "Control a remote framebuffer display",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&f.host, "host", "localhost", "server host")
	pf.IntVar(&f.port, "port", rfbpanel.DefaultPort, "server port")
	pf.StringVar(&f.password, "password", "", "password for VNC authentication")
	pf.StringVar(&f.protocol, "protocol", "", "pin the protocol version, e.g. 3.3")
	pf.StringVar(&f.transport, "transport", "tcp", "transport: tcp, ws or wss")
	pf.StringVar(&f.wsPath, "ws-path", "", "websocket endpoint path")
	pf.IntVar(&f.width, "width", 0, "expected display width, 0 to accept any")
	pf.IntVar(&f.height, "height", 0, "expected display height, 0 to accept any")
	pf.BoolVar(&f.exclusive, "exclusive", false, "request exclusive desktop access")
	pf.DurationVar(&f.timeout, "timeout", rfbpanel.DefaultConnectTimeout, "connect timeout")
	pf.DurationVar(&f.idle, "idle-timeout", rfbpanel.DefaultIdleTimeout, "fail after this long without server traffic")
	pf.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.BoolVar(&f.logJSON, "log-json", false, "log as JSON instead of text")

	root.AddCommand(
		newStatusCmd(f),
		newScreenshotCmd(f),
		newClickCmd(f),
		newMoveCmd(f),
		newTypeCmd(f),
		newKeyCmd(f),
		newRecordCmd(f),
	)
	return root
}

// fileConfig is the YAML shape of --config. Durations are strings in
// Go syntax, for example "10s" or "250ms".
type fileConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Password       string `yaml:"password"`
	Protocol       string `yaml:"protocol"`
	Transport      string `yaml:"transport"`
	WSPath         string `yaml:"ws_path"`
	Width          int    `yaml:"width"`
	Height         int    `yaml:"height"`
	Exclusive      bool   `yaml:"exclusive"`
	ConnectTimeout string `yaml:"connect_timeout"`
	IdleTimeout    string `yaml:"idle_timeout"`
	ClickDelay     string `yaml:"click_delay"`
	KeyDelay       string `yaml:"key_delay"`
}

func loadConfigFile(path string, cfg *rfbpanel.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Host = fc.Host
	cfg.Port = fc.Port
	cfg.Password = fc.Password
	cfg.Version = fc.Protocol
	cfg.Transport = fc.Transport
	cfg.WSPath = fc.WSPath
	cfg.Width = fc.Width
	cfg.Height = fc.Height
	cfg.Exclusive = fc.Exclusive
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.ConnectTimeout, &cfg.ConnectTimeout},
		{fc.IdleTimeout, &cfg.IdleTimeout},
		{fc.ClickDelay, &cfg.ClickDelay},
		{fc.KeyDelay, &cfg.KeyDelay},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *rfbpanel.Config) {
	if v := os.Getenv("VNC_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("VNC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("VNC_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("VNC_PROTOCOL"); v != "" {
		cfg.Version = v
	}
	if v := os.Getenv("VNC_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Width = n
		}
	}
	if v := os.Getenv("VNC_HEIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Height = n
		}
	}
}

// resolveConfig layers file, environment and flags into one Config.
// Flags apply when set explicitly, and also fill any field the other
// layers left empty, which is how flag defaults take effect.
func resolveConfig(cmd *cobra.Command, f *rootFlags) (rfbpanel.Config, error) {
	var cfg rfbpanel.Config
	if f.configPath != "" {
		if err := loadConfigFile(f.configPath, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)

	changed := cmd.Flags().Changed
	if changed("host") || cfg.Host == "" {
		cfg.Host = f.host
	}
	if changed("port") || cfg.Port == 0 {
		cfg.Port = f.port
	}
	if changed("password") {
		cfg.Password = f.password
	}
	if changed("protocol") {
		cfg.Version = f.protocol
	}
	if changed("transport") || cfg.Transport == "" {
		cfg.Transport = f.transport
	}
	if changed("ws-path") {
		cfg.WSPath = f.wsPath
	}
	if changed("width") {
		cfg.Width = f.width
	}
	if changed("height") {
		cfg.Height = f.height
	}
	if changed("exclusive") {
		cfg.Exclusive = f.exclusive
	}
	if changed("timeout") || cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = f.timeout
	}
	if changed("idle-timeout") || cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = f.idle
	}
	cfg.Logger = newLogger(f)
	return cfg, nil
}

func newLogger(f *rootFlags) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(f.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if f.logJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newController(cmd *cobra.Command, f *rootFlags) (*rfbpanel.Controller, error) {
	cfg, err := resolveConfig(cmd, f)
	if err != nil {
		return nil, err
	}
	return rfbpanel.New(cfg)
}

// signalContext is the base context for every command, canceled by
// SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newStatusCmd(f *rootFlags) *cobra.Command {
	var noConnect bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect and report session details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			c, err := newController(cmd, f)
			if err != nil {
				return err
			}
			defer c.Disconnect()
			if !noConnect {
				if err := c.Connect(ctx); err != nil {
					return err
				}
			}
			printStatus(cmd, c.Status())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "report without connecting")
	return cmd
}

func printStatus(cmd *cobra.Command, st rfbpanel.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "state:     %s\n", st.State)
	fmt.Fprintf(out, "addr:      %s\n", st.Addr)
	if st.Version != "" {
		fmt.Fprintf(out, "version:   %s\n", st.Version)
		fmt.Fprintf(out, "desktop:   %s\n", st.DesktopName)
		fmt.Fprintf(out, "size:      %dx%d\n", st.Width, st.Height)
		fmt.Fprintf(out, "format:    %s\n", st.PixelFormat)
		fmt.Fprintf(out, "updates:   %d\n", st.Updates)
	}
	fmt.Fprintf(out, "recording: %v\n", st.Recording)
	if st.Err != nil {
		fmt.Fprintf(out, "error:     %v\n", st.Err)
	}
}

func newScreenshotCmd(f *rootFlags) *cobra.Command {
	var (
		output string
		wait   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Capture the screen as a PNG file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			c, err := newController(cmd, f)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			// The first update can lag the handshake, so retry NoData
			// until the wait budget runs out.
			deadline := time.Now().Add(wait)
			for {
				png, err := c.CaptureScreen(ctx)
				if err == nil {
					if err := os.WriteFile(output, png, 0o644); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", output, len(png))
					return nil
				}
				if !errors.Is(err, rfbpanel.ErrNoData) || time.Now().After(deadline) {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(100 * time.Millisecond):
				}
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "screen.png", "output file")
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to wait for the first frame")
	return cmd
}

func parseXY(args []string) (int, int, error) {
	x, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("x coordinate %q is not a number", args[0])
	}
	y, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("y coordinate %q is not a number", args[1])
	}
	return x, y, nil
}

func newClickCmd(f *rootFlags) *cobra.Command {
	var button string
	cmd := &cobra.Command{
		Use:   "click <x> <y>",
		Short: "Click at a screen position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			x, y, err := parseXY(args)
			if err != nil {
				return err
			}
			b, err := rfbpanel.ParseButton(button)
			if err != nil {
				return err
			}
			c, err := newController(cmd, f)
			if err != nil {
				return err
			}
			defer c.Disconnect()
			return c.Click(ctx, x, y, b)
		},
	}
	cmd.Flags().StringVarP(&button, "button", "b", "left", "button: left, middle, right or 1-8")
	return cmd
}

func newMoveCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "move <x> <y>",
		Short: "Move the pointer to a screen position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			x, y, err := parseXY(args)
			if err != nil {
				return err
			}
			c, err := newController(cmd, f)
			if err != nil {
				return err
			}
			defer c.Disconnect()
			return c.MoveMouse(ctx, x, y)
		},
	}
}

func newTypeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "type <text>",
		Short: "Type text as individual keystrokes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			c, err := newController(cmd, f)
			if err != nil {
				return err
			}
			defer c.Disconnect()
			return c.TypeText(ctx, args[0])
		},
	}
}

func newKeyCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "key <name>",
		Short: "Press and release a key, e.g. enter, tab, f5 or a character",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			c, err := newController(cmd, f)
			if err != nil {
				return err
			}
			defer c.Disconnect()
			return c.PressKey(ctx, args[0])
		},
	}
}

func newRecordCmd(f *rootFlags) *cobra.Command {
	var (
		fps         int
		duration    time.Duration
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "record <output.avi>",
		Short: "Record the screen to an MJPEG AVI file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			c, err := newController(cmd, f)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(c.Metrics().Registry(), promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go srv.ListenAndServe()
				defer srv.Close()
			}

			if err := c.StartRecording(ctx, args[0], fps); err != nil {
				return err
			}
			if duration > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(duration):
				}
			} else {
				<-ctx.Done()
			}
			frames, err := c.StopRecording()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d frames to %s\n", frames, args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&fps, "fps", rfbpanel.DefaultRecordFPS, "frames per second")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "recording length, 0 to run until interrupted")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while recording")
	return cmd
}
