// Command syncd is the long-running scheduler daemon. It hosts the
// automation agent and the cron entries that trigger directory and
// identity pool sync passes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/robfig/cron/v3"

	"github.com/staskh/idsync/agent"
	"github.com/staskh/idsync/config"
	"github.com/staskh/idsync/directory"
	"github.com/staskh/idsync/locks"
	"github.com/staskh/idsync/poolsync"
	"github.com/staskh/idsync/store"
	"github.com/staskh/idsync/tasks"
)

func main() {
	settingsFile := flag.String("settings", "", "optional env file with environment settings")
	directorySpec := flag.String("directory-schedule", "@hourly", "cron spec for directory sync triggers")
	poolSpec := flag.String("pool-schedule", "@hourly", "cron spec for identity pool sync passes")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *settingsFile, *directorySpec, *poolSpec); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, settingsFile, directorySpec, poolSpec string) error {
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

	lock := locks.NewClient(dynamodb.NewFromConfig(awsCfg), st.TableName(store.LockTable), logger)
	controller := tasks.NewController(ecs.NewFromConfig(awsCfg), lock, cfg, logger)
	engine := poolsync.New(cognitoidentityprovider.NewFromConfig(awsCfg), st, cfg, logger)
	automation := agent.New(sqs.NewFromConfig(awsCfg), dir, cfg, logger)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(directorySpec, func() {
		if _, err := controller.StartSync(ctx); err != nil {
			if errors.Is(err, tasks.ErrSyncInProgress) {
				logger.Info("skipping directory sync trigger", "reason", err)
				return
			}
			logger.Error("directory sync trigger failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule directory sync: %w", err)
	}
	if _, err := scheduler.AddFunc(poolSpec, func() {
		if _, err := engine.Run(ctx); err != nil {
			logger.Error("identity pool sync failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule identity pool sync: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	return automation.Run(ctx)
}
