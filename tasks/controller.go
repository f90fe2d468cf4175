// Package tasks starts and stops the containerized sync worker, guarded by
// a distributed lock so only one worker runs per environment.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/staskh/idsync/config"
	"github.com/staskh/idsync/locks"
)

// syncLockName keys the start-sync critical section in the lock table.
const syncLockName = "ad-sync.start-task"

// ErrSyncInProgress means a sync task is already running or another caller
// holds the start lock. Callers treat it as a no-op, not a failure.
var ErrSyncInProgress = errors.New("sync already in progress")

// ECSAPI is the container service subset the controller uses.
type ECSAPI interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
	ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// Locker is the lock surface the controller needs.
type Locker interface {
	Acquire(ctx context.Context, lockName string) (*locks.Lease, error)
}

// Controller drives the sync worker task lifecycle.
type Controller struct {
	ecs  ECSAPI
	lock Locker
	cfg  config.Config
	log  *slog.Logger
}

func NewController(ecsClient ECSAPI, lock Locker, cfg config.Config, logger *slog.Logger) *Controller {
	return &Controller{ecs: ecsClient, lock: lock, cfg: cfg, log: logger}
}

func (c *Controller) clusterName() string {
	return c.cfg.EnvironmentName + "-ad-sync-cluster"
}

func (c *Controller) taskDefinition() string {
	return c.cfg.EnvironmentName + "-ad-sync-task-definition"
}

// StartSync launches one sync worker task unless one is already running.
// The check-then-run window is closed by the start lock.
func (c *Controller) StartSync(ctx context.Context) (string, error) {
	if err := c.cfg.Validate(); err != nil {
		return "", err
	}

	lease, err := c.lock.Acquire(ctx, syncLockName)
	if err != nil {
		if errors.Is(err, locks.ErrNotAcquired) {
			return "", fmt.Errorf("%w: start lock held", ErrSyncInProgress)
		}
		return "", err
	}
	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			c.log.Warn("failed to release start lock", "error", releaseErr)
		}
	}()

	running, err := c.runningTasks(ctx)
	if err != nil {
		return "", err
	}
	if len(running) > 0 {
		return "", fmt.Errorf("%w: task %s", ErrSyncInProgress, running[0])
	}

	out, err := c.ecs.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(c.clusterName()),
		TaskDefinition: aws.String(c.taskDefinition()),
		LaunchType:     types.LaunchTypeFargate,
		Count:          aws.Int32(1),
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        c.cfg.Subnets,
				SecurityGroups: []string{c.cfg.SecurityGroupID},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("run sync task: %w", err)
	}
	if len(out.Tasks) == 0 {
		reason := "no tasks started"
		if len(out.Failures) > 0 {
			reason = aws.ToString(out.Failures[0].Reason)
		}
		return "", fmt.Errorf("run sync task: %s", reason)
	}

	taskARN := aws.ToString(out.Tasks[0].TaskArn)
	c.log.Info("started sync task", "task_arn", taskARN, "cluster", c.clusterName())
	return taskARN, nil
}

// StopSync stops the named task, or every running sync task when taskARN
// is empty. It takes the same start lock so stop cannot interleave with a
// concurrent StartSync's check-and-launch.
func (c *Controller) StopSync(ctx context.Context, taskARN string) error {
	lease, err := c.lock.Acquire(ctx, syncLockName)
	if err != nil {
		if errors.Is(err, locks.ErrNotAcquired) {
			return fmt.Errorf("%w: start lock held", ErrSyncInProgress)
		}
		return err
	}
	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			c.log.Warn("failed to release start lock", "error", releaseErr)
		}
	}()

	arns := []string{taskARN}
	if taskARN == "" {
		running, err := c.runningTasks(ctx)
		if err != nil {
			return err
		}
		arns = running
	}

	for _, arn := range arns {
		_, err := c.ecs.StopTask(ctx, &ecs.StopTaskInput{
			Cluster: aws.String(c.clusterName()),
			Task:    aws.String(arn),
			Reason:  aws.String("stopped by operator"),
		})
		if err != nil {
			return fmt.Errorf("stop sync task %s: %w", arn, err)
		}
		c.log.Info("stopped sync task", "task_arn", arn)
	}
	return nil
}

// IsRunning reports whether any sync worker task is currently running.
func (c *Controller) IsRunning(ctx context.Context) (bool, error) {
	running, err := c.runningTasks(ctx)
	if err != nil {
		return false, err
	}
	return len(running) > 0, nil
}

// IsTerminated reports whether the named task has reached a terminal
// state. A task the cluster no longer knows about counts as terminated.
func (c *Controller) IsTerminated(ctx context.Context, taskARN string) (bool, error) {
	out, err := c.ecs.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(c.clusterName()),
		Tasks:   []string{taskARN},
	})
	if err != nil {
		return false, fmt.Errorf("describe sync task: %w", err)
	}
	if len(out.Tasks) == 0 {
		return true, nil
	}
	status := aws.ToString(out.Tasks[0].LastStatus)
	return status == "STOPPED" || status == "DELETED", nil
}

func (c *Controller) runningTasks(ctx context.Context) ([]string, error) {
	var arns []string
	var nextToken *string
	for {
		out, err := c.ecs.ListTasks(ctx, &ecs.ListTasksInput{
			Cluster:       aws.String(c.clusterName()),
			Family:        aws.String(c.taskDefinition()),
			DesiredStatus: types.DesiredStatusRunning,
			NextToken:     nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("list sync tasks: %w", err)
		}
		arns = append(arns, out.TaskArns...)
		if out.NextToken == nil {
			return arns, nil
		}
		nextToken = out.NextToken
	}
}
