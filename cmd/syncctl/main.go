// Command syncctl is the operator CLI for the account sync service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/spf13/cobra"

	"github.com/staskh/idsync/adsync"
	"github.com/staskh/idsync/config"
	"github.com/staskh/idsync/directory"
	"github.com/staskh/idsync/locks"
	"github.com/staskh/idsync/poolsync"
	"github.com/staskh/idsync/store"
	"github.com/staskh/idsync/tasks"
)

// app holds the clients shared by every subcommand. It is populated once
// in the root PersistentPreRunE.
type app struct {
	logger *slog.Logger
	cfg    config.Config
	st     *store.Client

	awsCfg  awsCfgHolder
	secrets *secretsmanager.Client
}

// awsCfgHolder defers per-service client construction to the subcommands
// that need them.
type awsCfgHolder struct {
	cognito func() *cognitoidentityprovider.Client
	ecs     func() *ecs.Client
	locks   func() *locks.Client
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if errors.Is(err, tasks.ErrSyncInProgress) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var settingsFile string
	var verbose bool
	state := &app{}

	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Operate the directory and identity pool account sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.bootstrap(cmd.Context(), settingsFile, verbose)
		},
	}
	root.PersistentFlags().StringVar(&settingsFile, "settings", "", "optional env file with environment settings")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newSyncCommand(state),
		newPoolSyncCommand(state),
		newStartCommand(state),
		newStopCommand(state),
		newStatusCommand(state),
	)
	return root
}

func (a *app) bootstrap(ctx context.Context, settingsFile string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	env, err := config.LoadEnv(settingsFile)
	if err != nil {
		return err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	a.st = store.NewClient(dynamodb.NewFromConfig(awsCfg), env.EnvironmentName, a.logger)
	settings, err := a.st.Settings(ctx)
	if err != nil {
		return err
	}
	a.cfg = config.FromSettings(env, settings)
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	a.secrets = secretsmanager.NewFromConfig(awsCfg)
	a.awsCfg = awsCfgHolder{
		cognito: func() *cognitoidentityprovider.Client { return cognitoidentityprovider.NewFromConfig(awsCfg) },
		ecs:     func() *ecs.Client { return ecs.NewFromConfig(awsCfg) },
		locks: func() *locks.Client {
			return locks.NewClient(dynamodb.NewFromConfig(awsCfg), a.st.TableName(store.LockTable), a.logger)
		},
	}
	return nil
}

// connectDirectory resolves the service account and opens the directory
// connection pool.
func (a *app) connectDirectory(ctx context.Context) (*directory.Client, error) {
	account, err := config.ResolveServiceAccount(ctx, a.secrets, a.cfg.ServiceAccountSecretARN)
	if err != nil {
		return nil, err
	}
	var tlsCertificate string
	if a.cfg.TLSCertificateSecretARN != "" {
		tlsCertificate, err = config.ResolveSecretString(ctx, a.secrets, a.cfg.TLSCertificateSecretARN)
		if err != nil {
			return nil, err
		}
	}
	dir := directory.NewClient(directory.Options{
		URI:            a.cfg.LDAPConnectionURI,
		BindDN:         account.BindDN(a.cfg.DomainName),
		Password:       account.Password,
		TLSCertificate: tlsCertificate,
	}, a.logger)
	if err := dir.Connect(); err != nil {
		return nil, err
	}
	return dir, nil
}

func newSyncCommand(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one directory sync pass in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := state.connectDirectory(cmd.Context())
			if err != nil {
				return err
			}
			defer dir.Close()

			result, err := adsync.New(dir, state.st, state.cfg, state.logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("groups: %d created, %d deleted, %d failed\n",
				result.GroupsCreated, result.GroupsDeleted, len(result.GroupsFailed))
			fmt.Printf("users: %d created, %d updated, %d deleted, %d failed\n",
				result.UsersCreated, result.UsersUpdated, result.UsersDeleted, len(result.UsersFailed))
			return nil
		},
	}
}

func newPoolSyncCommand(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pool-sync",
		Short: "Run one identity pool sync pass in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := poolsync.New(state.awsCfg.cognito(), state.st, state.cfg, state.logger)
			result, err := engine.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("groups: %d upserted, %d deleted, %d failed\n",
				result.GroupsUpserted, result.GroupsDeleted, len(result.GroupsFailed))
			fmt.Printf("users: %d upserted, %d deleted, %d disabled\n",
				result.UsersUpserted, result.UsersDeleted, result.UsersDisabled)
			return nil
		},
	}
}

func (a *app) controller() *tasks.Controller {
	return tasks.NewController(a.awsCfg.ecs(), a.awsCfg.locks(), a.cfg, a.logger)
}

func newStartCommand(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Launch the containerized sync worker task",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskARN, err := state.controller().StartSync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(taskARN)
			return nil
		},
	}
}

func newStopCommand(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [task-arn]",
		Short: "Stop the running sync worker task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskARN := ""
			if len(args) == 1 {
				taskARN = args[0]
			}
			return state.controller().StopSync(cmd.Context(), taskARN)
		},
	}
}

func newStatusCommand(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a sync worker task is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			running, err := state.controller().IsRunning(cmd.Context())
			if err != nil {
				return err
			}
			if running {
				fmt.Println("sync task running")
			} else {
				fmt.Println("no sync task running")
			}
			return nil
		},
	}
}
