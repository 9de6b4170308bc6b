// Command bucketctl browses and edits DataLab buckets from a terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/damacus/datalab-buckets/internal/auth"
	"github.com/damacus/datalab-buckets/internal/browser"
	"github.com/damacus/datalab-buckets/internal/config"
	"github.com/damacus/datalab-buckets/internal/logging"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/transport"
	"github.com/damacus/datalab-buckets/internal/upload"
)

// authClient is what the CLI needs from the token service.
type authClient interface {
	Login(ctx context.Context, username, password string) (auth.Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (auth.Tokens, error)
}

// app carries global flags and the collaborators built from them.
type app struct {
	cfgFile   string
	endpoint  string
	tokenFile string
	verbose   bool

	in          io.Reader
	out, errOut io.Writer
	// interactive is true when prompts and bars can use the terminal.
	interactive bool
	// readPassword reads a secret without echo.
	readPassword func() (string, error)

	cfg     *config.Config
	log     zerolog.Logger
	closer  io.Closer
	store   *auth.FileStore
	auth    authClient
	factory services.StorageFactory
}

func main() {
	a := &app{
		in:          os.Stdin,
		out:         os.Stdout,
		errOut:      os.Stderr,
		interactive: term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd())),
		readPassword: func() (string, error) {
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			return string(b), err
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(a).ExecuteContext(ctx)
	stop()
	if a.closer != nil {
		_ = a.closer.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bucketctl",
		Short: "Browse, upload to and manage DataLab buckets",
		Long: `bucketctl talks to the storage endpoints configured for the DataLab
bucket browser. Log in once with "bucketctl login"; the token pair is kept
in your config directory and refreshed before it expires.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	rootCmd.SetIn(a.in)
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&a.endpoint, "endpoint", "e", "", "Endpoint name (defaults to the first configured)")
	rootCmd.PersistentFlags().StringVar(&a.tokenFile, "token-file", "", "Where the login tokens are kept")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output (shows debug messages)")

	rootCmd.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newLsCmd(a),
		newUploadCmd(a),
		newGetCmd(a),
		newMkdirCmd(a),
		newRmCmd(a),
	)
	return rootCmd
}

func (a *app) init() error {
	cfg, err := config.LoadConfig(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Log.Level
	if a.verbose {
		level = "debug"
	}
	a.log, a.closer = logging.New(logging.Options{
		Level:   level,
		Console: true,
		File:    cfg.Log.File,
		Out:     a.errOut,
	})

	if a.tokenFile == "" {
		if a.tokenFile, err = auth.DefaultTokenPath(); err != nil {
			return fmt.Errorf("locate token file: %w", err)
		}
	}
	a.store = auth.NewFileStore(a.tokenFile)

	if a.factory == nil || a.auth == nil {
		httpOpts := cfg.HTTP.TransportOptions()
		httpClient := transport.NewClient(httpOpts, a.log)
		if a.auth == nil {
			a.auth = auth.NewClient(cfg.Auth.URL, httpClient, a.log)
		}
		if a.factory == nil {
			a.factory = &services.RealStorageFactory{
				HTTPClient:      httpClient,
				StreamingClient: transport.NewStreamingClient(httpOpts, a.log),
				Log:             a.log,
			}
		}
	}
	return nil
}

func (a *app) gate() *auth.Gate {
	var opts []auth.GateOption
	if a.cfg.Auth.RefreshThreshold > 0 {
		opts = append(opts, auth.WithThreshold(a.cfg.Auth.RefreshThreshold))
	}
	return auth.NewGate(a.store, a.auth, a.log, opts...)
}

func (a *app) selectedEndpoint() (services.Endpoint, error) {
	if a.endpoint == "" {
		return a.cfg.Endpoints[0], nil
	}
	return a.cfg.Endpoint(a.endpoint)
}

// storage connects to the selected endpoint with the stored tokens.
func (a *app) storage(ctx context.Context) (services.ObjectStorage, services.Endpoint, *auth.Gate, error) {
	ep, err := a.selectedEndpoint()
	if err != nil {
		return nil, ep, nil, err
	}
	gate := a.gate()
	if ep.Provider == services.ProviderDataLab {
		if _, err := gate.Tokens(); errors.Is(err, auth.ErrNoTokens) {
			return nil, ep, nil, fmt.Errorf("%w: run \"bucketctl login\" first", err)
		}
	}
	storage, err := a.factory.NewStorage(ctx, ep, gate)
	if err != nil {
		return nil, ep, nil, err
	}
	return storage, ep, gate, nil
}

// openSession loads a bucket into a browser session. The caller closes it.
func (a *app) openSession(ctx context.Context, bucket string) (*browser.Session, error) {
	storage, ep, gate, err := a.storage(ctx)
	if err != nil {
		return nil, err
	}
	s := browser.NewSession(browser.Options{
		Bucket:   bucket,
		Endpoint: ep.Name,
		Storage:  storage,
		Gate:     gate,
		Upload: upload.Options{
			Concurrency:    a.cfg.Upload.Concurrency,
			BytesPerSecond: a.cfg.Upload.BytesPerSecond,
		},
	}, a.log)
	if _, err := s.Refresh(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
