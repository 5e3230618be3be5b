// SPDX-License-Identifier: BSL-1.1
// Copyright (c) 2026 MuVeraAI Corporation

// Command devicenode runs the trust and messaging core of a device and
// offers offline helpers to inspect its trust state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aumos-ai/device-trust-core/config"
	"github.com/aumos-ai/device-trust-core/envelope"
	"github.com/aumos-ai/device-trust-core/logger"
	"github.com/aumos-ai/device-trust-core/storage"
	"github.com/aumos-ai/device-trust-core/trust"
	"github.com/aumos-ai/device-trust-core/types"
)

var version = "dev"

// exitReboot tells the supervisor to restart the device.
const exitReboot = 3

func main() {
	var (
		configPath = envOr("DEVICE_CONFIG", "")
		envFile    = envOr("DEVICE_ENV_FILE", ".env")
		cfg        *config.Config
	)

	root := &cobra.Command{
		Use:           "devicenode",
		Short:         "Device trust and messaging node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnv(envFile); err != nil {
				return err
			}
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = c
			logger.Init(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level, ServiceName: "devicenode", Version: version})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", configPath, "YAML config file (env DEVICE_CONFIG)")
	root.PersistentFlags().StringVar(&envFile, "env-file", envFile, ".env file with DEVICE_* overrides (env DEVICE_ENV_FILE)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted or a reboot is required",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	modeCmd := &cobra.Command{
		Use:   "mode",
		Short: "Print the current trust mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openTrust(cfg)
			if err != nil {
				return err
			}
			mode, err := store.CurrentMode(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(mode)
			return nil
		},
	}

	csrCmd := &cobra.Command{
		Use:   "csr",
		Short: "Print a certificate signing request for the pending key",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openTrust(cfg)
			if err != nil {
				return err
			}
			if _, err := store.EnsurePendingKey(cmd.Context()); err != nil {
				return err
			}
			name := cfg.Device.Name
			if name == "" {
				name = cfg.Device.UUID
			}
			csr, err := store.IssueCSR(cmd.Context(), name)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(csr)
			return err
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify an envelope against the pinned root and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			store, _, err := openTrust(cfg)
			if err != nil {
				return err
			}
			v := envelope.NewVerifier(store, envelope.VerifierOptions{Logger: logger.Named("verify")})
			env, body, info, err := v.OpenBytes(cmd.Context(), data)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(map[string]any{
				"action":      env.Header.Action,
				"estampille":  time.Unix(env.Header.Estampille, 0).UTC().Format(time.RFC3339),
				"fingerprint": info.Fingerprint,
				"common_name": info.CommonName,
				"idmg":        info.IDMG,
				"roles":       info.Roles,
				"exchanges":   info.Exchanges,
				"domains":     info.Domains,
				"body":        body,
			}, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	root.AddCommand(runCmd, modeCmd, csrCmd, verifyCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		var reboot *types.ErrRebootRequired
		if errors.As(err, &reboot) {
			logger.L().Error("exiting for reboot", zap.Error(err))
			_ = logger.Sync()
			os.Exit(exitReboot)
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func openTrust(cfg *config.Config) (*trust.Store, storage.Store, error) {
	docs, err := storage.NewFileStore(cfg.Device.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return trust.NewStore(docs, trust.Options{Logger: logger.Named("trust")}), docs, nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
