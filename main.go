// Command idsync runs one directory sync pass and exits. It is the worker
// image launched as a containerized task by the lifecycle controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/staskh/idsync/adsync"
	"github.com/staskh/idsync/config"
	"github.com/staskh/idsync/directory"
	"github.com/staskh/idsync/store"
)

func main() {
	settingsFile := flag.String("settings", "", "optional env file with environment settings")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *settingsFile); err != nil {
		logger.Error("sync pass failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, settingsFile string) error {
	env, err := config.LoadEnv(settingsFile)
	if err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	st := store.NewClient(dynamodb.NewFromConfig(awsCfg), env.EnvironmentName, logger)
	settings, err := st.Settings(ctx)
	if err != nil {
		return err
	}
	cfg := config.FromSettings(env, settings)
	if err := cfg.Validate(); err != nil {
		return err
	}

	secrets := secretsmanager.NewFromConfig(awsCfg)
	account, err := config.ResolveServiceAccount(ctx, secrets, cfg.ServiceAccountSecretARN)
	if err != nil {
		return err
	}
	var tlsCertificate string
	if cfg.TLSCertificateSecretARN != "" {
		tlsCertificate, err = config.ResolveSecretString(ctx, secrets, cfg.TLSCertificateSecretARN)
		if err != nil {
			return err
		}
	}

	dir := directory.NewClient(directory.Options{
		URI:            cfg.LDAPConnectionURI,
		BindDN:         account.BindDN(cfg.DomainName),
		Password:       account.Password,
		TLSCertificate: tlsCertificate,
	}, logger)
	if err := dir.Connect(); err != nil {
		return err
	}
	defer dir.Close()

	result, err := adsync.New(dir, st, cfg, logger).Run(ctx)
	if err != nil {
		return err
	}
	if len(result.GroupsFailed) > 0 || len(result.UsersFailed) > 0 {
		logger.Warn("sync pass finished with partial failures",
			"failed_groups", result.FailedGroupNames(),
			"failed_users", len(result.UsersFailed))
	}
	return nil
}
