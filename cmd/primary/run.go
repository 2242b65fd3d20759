package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/errwrap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uptane-go/primary/pkg/config"
	"github.com/uptane-go/primary/pkg/orchestrator"
	"github.com/uptane-go/primary/pkg/provision"
)

// failureTag names the short, stable exit-time string spec.md §6's CLI
// contract promises: "a command that runs one update cycle exits 0 on
// success, non-zero with a short failure tag".
type failureTag string

const (
	tagProvisioning failureTag = "provisioning"
	tagMetadata     failureTag = "metadata"
	tagDownload     failureTag = "download"
	tagInstall      failureTag = "install"
	tagReport       failureTag = "report"
)

type cycleError struct {
	tag     failureTag
	wrapped error
}

func newCycleError(tag failureTag, err error) *cycleError {
	return &cycleError{tag: tag, wrapped: errwrap.Wrapf(fmt.Sprintf("%s: {{err}}", tag), err)}
}

func (e *cycleError) Error() string { return e.wrapped.Error() }
func (e *cycleError) Unwrap() error { return e.wrapped }

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one update cycle: check, download, install, report",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		cfg, err := config.Load()
		if err != nil {
			return newCycleError(tagProvisioning, err)
		}

		c, err := buildComponents(cfg, log)
		if err != nil {
			return newCycleError(tagProvisioning, err)
		}
		defer c.Close()

		ctx := cmd.Context()
		if err := runCycle(ctx, c, log); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runCycle drives check -> download -> install -> report, resuming a
// pending reboot-completion first (spec.md §4.6's finalizeAfterReboot
// ordering rule: it must run before any other command on first use after
// a boot).
func runCycle(ctx context.Context, c *components, log *zap.Logger) error {
	state, err := c.provisioner.Attempt(ctx)
	if err != nil || state != provision.Provisioned {
		return newCycleError(tagProvisioning, err)
	}

	if c.orc == nil {
		// buildComponents could not build the mTLS fetcher even though
		// provisioning just succeeded (e.g. credentials not yet
		// persisted in this same process); rebuild now that they exist.
		cfg, loadErr := config.Load()
		if loadErr != nil {
			return newCycleError(tagProvisioning, loadErr)
		}
		rebuilt, buildErr := buildComponents(cfg, log)
		if buildErr != nil || rebuilt.orc == nil {
			return newCycleError(tagProvisioning, fmt.Errorf("orchestrator unavailable after provisioning"))
		}
		c.orc = rebuilt.orc
		c.secondaries = rebuilt.secondaries
	}

	primaryEcu, err := c.provisioner.PrimaryEcuSerial(ctx)
	if err != nil {
		return newCycleError(tagProvisioning, err)
	}

	if _, err := c.orc.CompleteInstall(ctx, primaryEcu); err != nil {
		return newCycleError(tagInstall, err)
	}

	if err := c.orc.SendDeviceData(ctx); err != nil {
		log.Warn("send device data failed, continuing", zap.Error(err))
	}

	outcome := c.orc.FetchMeta(ctx)
	if outcome.Result == orchestrator.FetchError {
		return newCycleError(tagMetadata, outcome.Err)
	}
	if outcome.Result == orchestrator.NoUpdatesAvailable {
		log.Info("no updates available")
		return nil
	}

	flow := orchestrator.NewFlowControlToken()
	downloads := c.orc.DownloadImages(ctx, outcome.Assignments, flow)
	for _, d := range downloads {
		if d.Outcome != orchestrator.DownloadOk {
			log.Error("download failed", zap.String("target", d.Assignment.Name), zap.String("outcome", string(d.Outcome)))
		}
	}

	results, err := c.orc.UptaneInstall(ctx, primaryEcu, downloads)
	if err != nil {
		log.Error("one or more installs failed", zap.Error(err))
	}

	secondaryErrors := map[string]string{}
	for _, r := range results {
		if r.Err != nil {
			secondaryErrors[r.EcuSerial] = r.Err.Error()
		}
	}

	if reportErr := c.orc.PutManifest(ctx, primaryEcu, results, secondaryErrors); reportErr != nil {
		return newCycleError(tagReport, reportErr)
	}

	if err != nil {
		return newCycleError(tagInstall, err)
	}
	return nil
}
