package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"evnotify/internal/app"
	"evnotify/internal/config"
	"evnotify/internal/identity"
	"evnotify/internal/watermark"
	logx "evnotify/pkg/logx"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./evnotify.yaml"

type rootOptions struct {
	configPath string
}

// resolveConfigPath prefers --config, then EVNOTIFY_CONFIG.
func (o *rootOptions) resolveConfigPath() string {
	if p := strings.TrimSpace(o.configPath); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(config.EnvPath)); p != "" {
		return p
	}
	return defaultConfigPath
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.NewConfigManager(o.resolveConfigPath()).Load()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "evnotify",
		Short:         "Chat unread notifications for the EV marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (json or yaml); defaults to $"+config.EnvPath+" or "+defaultConfigPath)

	root.AddCommand(
		newRunCmd(opts),
		newWatermarkCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the notification daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
}

func runDaemon(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(opts.resolveConfigPath())
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-parent.Done():
		reason = app.StopAppStop
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func newWatermarkCmd(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect or reset a user's last-seen watermark",
	}
	cmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "marketplace user id (required)")
	_ = cmd.MarkPersistentFlagRequired("user")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the persisted watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWatermarks(opts, func(wm *watermark.Store) error {
				at, ok := wm.CurrentWatermark(userID)
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: no watermark\n", userID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", userID, at)
				return nil
			})
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the persisted watermark; the next history scan sets a new baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWatermarks(opts, func(wm *watermark.Store) error {
				wm.Forget(cmd.Context(), userID)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: watermark cleared\n", userID)
				return nil
			})
		},
	}
	cmd.AddCommand(showCmd, clearCmd)
	return cmd
}

func withWatermarks(opts *rootOptions, fn func(*watermark.Store) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log := logx.NewConsole(cfg.Logging.Level)
	kv, persistent, err := app.OpenStorage(cfg, log)
	if err != nil {
		return err
	}
	defer kv.Close()
	if !persistent {
		return errors.New("storage is not persistent; nothing to inspect")
	}
	return fn(watermark.New(kv, log))
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Session token helpers",
	}
	var sessionPath string
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Decode the session token and print the resolved identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := sessionPath
			if path == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Session.Path
			}
			return inspectToken(cmd.OutOrStdout(), path, time.Now())
		},
	}
	inspect.Flags().StringVar(&sessionPath, "session", "", "session file (overrides session.path)")
	cmd.AddCommand(inspect)
	return cmd
}

type tokenReport struct {
	Session   string `json:"session"`
	UserID    string `json:"user_id"`
	Role      string `json:"role,omitempty"`
	Source    string `json:"source"`
	ClaimUser string `json:"claim_user_id,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Expired   bool   `json:"expired"`
	Opaque    bool   `json:"opaque"`
}

// inspectToken never prints the token itself.
func inspectToken(w io.Writer, path string, now time.Time) error {
	sess, err := identity.ReadSession(path)
	if err != nil {
		return err
	}
	r := identity.NewResolver(identity.Options{Path: path}, logx.Nop(), identity.WithClock(func() time.Time { return now }))
	id := r.Resolve()

	rep := tokenReport{
		Session: path,
		UserID:  id.UserID,
		Role:    id.Role,
		Source:  string(id.Source),
	}
	claims, derr := identity.Decode(sess.Token)
	if derr != nil {
		rep.Opaque = true
	} else {
		rep.ClaimUser = claims.UserID
		if !claims.ExpiresAt.IsZero() {
			rep.ExpiresAt = claims.ExpiresAt.UTC().Format(time.RFC3339)
		}
		rep.Expired = claims.Expired(now)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
