package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	goSession "github.com/MrEthical07/goSession"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const auditFlushTimeout = 2 * time.Second

// app carries state shared by subcommands of one invocation.
type app struct {
	v          *viper.Viper
	configPath string
	logger     *logrus.Logger
	client     *goSession.Client
	closers    []func()
}

func newRootCmd() *cobra.Command {
	a := &app{v: newViper(), logger: logrus.New()}

	cmd := &cobra.Command{
		Use:           "gosession",
		Short:         "Token session client",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `gosession signs in to an API that issues access/refresh token pairs, keeps the
session in a credential store and sends authenticated requests. Expired access
tokens are refreshed transparently.

Settings come from flags, GOSESSION_* environment variables or a config file.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (yaml, json or toml)")
	flags.String("base-url", "", "API base URL")
	flags.Duration("timeout", 0, "HTTP timeout")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.Bool("audit", false, "log session audit events")
	flags.String("store", "", "credential store backend (memory, file, redis)")
	flags.String("store-path", "", "session file for the file backend")
	flags.String("redis-addr", "", "redis address for the redis backend")
	if err := bindFlags(a.v, flags); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		newLoginCmd(a),
		newRegisterCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newGetCmd(a),
		newExportCmd(a),
		newLoadtestCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "gosession version %s\n", version)
			},
		},
	)
	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	a.logger.SetOutput(cmd.ErrOrStderr())
	level, err := logrus.ParseLevel(a.v.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	a.logger.SetLevel(level)
	if a.configPath != "" {
		a.v.SetConfigFile(a.configPath)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", a.configPath, err)
		}
	}
	return nil
}

// open builds the Client on first use.
func (a *app) open() (*goSession.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	cli, err := loadConfig(a.v, "")
	if err != nil {
		return nil, err
	}
	cfg, err := cli.sessionConfig()
	if err != nil {
		return nil, err
	}

	b := goSession.New().WithConfig(cfg).WithLogger(a.logger)
	if cfg.Audit.Enabled {
		b = b.WithAuditSink(goSession.NewLogrusSink(a.logger))
	}
	if cfg.Store.Backend == goSession.StoreRedis {
		if cli.Store.RedisAddr == "" {
			return nil, errors.New("redis store requires --redis-addr or GOSESSION_STORE_REDIS_ADDR")
		}
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cli.Store.RedisAddr}})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		b = b.WithRedis(rdb)
	}

	client, err := b.Build()
	if err != nil {
		return nil, err
	}
	client.OnSessionExpired(func(ev goSession.ExpiredEvent) {
		a.logger.WithError(ev.Cause).Warn("session expired, run `gosession login` again")
	})
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditFlushTimeout)
		defer cancel()
		if err := client.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Warn("audit events not flushed before exit")
		}
	})
	a.client = client
	return client, nil
}

// restore loads the persisted session; a missing session is not an error.
func (a *app) restore(ctx context.Context) (*goSession.Client, bool, error) {
	client, err := a.open()
	if err != nil {
		return nil, false, err
	}
	ok, err := client.RestoreSession(ctx)
	return client, ok, err
}

// runE closes the Client after fn returns, whether or not it failed.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.close()
		return fn(cmd, args)
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	a.client = nil
}

func newLoginCmd(a *app) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the issued tokens",
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			client, err := a.open()
			if err != nil {
				return err
			}
			if password == "" {
				password = os.Getenv("GOSESSION_PASSWORD")
			}
			user, err := client.Login(cmd.Context(), goSession.LoginIdentity{Username: username, Password: password})
			if err != nil {
				return describeError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", user.Username)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (default $GOSESSION_PASSWORD)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var id goSession.RegisterIdentity
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			client, err := a.open()
			if err != nil {
				return err
			}
			if id.Password == "" {
				id.Password = os.Getenv("GOSESSION_PASSWORD")
			}
			id.Password2 = id.Password
			user, err := client.Register(cmd.Context(), id)
			if err != nil {
				return describeError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered and signed in as %s\n", user.Username)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&id.Username, "username", "u", "", "username")
	cmd.Flags().StringVar(&id.Email, "email", "", "email address")
	cmd.Flags().StringVarP(&id.Password, "password", "p", "", "password (default $GOSESSION_PASSWORD)")
	cmd.Flags().StringVar(&id.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&id.LastName, "last-name", "", "last name")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			client, err := a.open()
			if err != nil {
				return err
			}
			if err := client.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		}),
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Restore the stored session and print the signed-in user",
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			client, ok, err := a.restore(cmd.Context())
			if err != nil {
				return describeError(err)
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "not signed in")
				return nil
			}
			return writeJSON(cmd.OutOrStdout(), client.User().Raw)
		}),
	}
}

func newGetCmd(a *app) *cobra.Command {
	var query []string
	cmd := &cobra.Command{
		Use:   "get PATH",
		Short: "Send an authenticated GET request and print the JSON response",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			client, _, err := a.restore(cmd.Context())
			if err != nil && !errors.Is(err, goSession.ErrNetwork) {
				return describeError(err)
			}
			req := goSession.Get(args[0])
			for _, kv := range query {
				k, val, _ := strings.Cut(kv, "=")
				if req.Query == nil {
					req.Query = make(map[string][]string)
				}
				req.Query.Add(k, val)
			}
			resp, err := client.Do(cmd.Context(), req)
			if err != nil {
				return describeError(err)
			}
			if resp.NoContent {
				return nil
			}
			return writeJSON(cmd.OutOrStdout(), resp.Body)
		}),
	}
	cmd.Flags().StringArrayVarP(&query, "query", "q", nil, "query parameter key=value (repeatable)")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export PATH",
		Short: "Download a binary resource such as a document export",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			client, _, err := a.restore(cmd.Context())
			if err != nil {
				return describeError(err)
			}
			stream, err := client.Download(cmd.Context(), goSession.Get(args[0]))
			if err != nil {
				return describeError(err)
			}
			defer stream.Close()

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := io.Copy(w, stream)
			if err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			a.logger.WithField("bytes", n).Info("export written")
			return nil
		}),
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// describeError adds a hint for errors a terminal user can act on.
func describeError(err error) error {
	var reqErr *goSession.RequestError
	switch {
	case errors.Is(err, goSession.ErrSessionExpired):
		return fmt.Errorf("%w (run `gosession login`)", err)
	case errors.Is(err, goSession.ErrInvalidCredentials):
		return errors.New("invalid username or password")
	case errors.As(err, &reqErr) && len(reqErr.Body) > 0:
		return fmt.Errorf("%w: %s", err, bytes.TrimSpace(reqErr.Body))
	default:
		return err
	}
}

func writeJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
