package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/beto-mn/siteforge/config"
	"github.com/beto-mn/siteforge/metrics"
)

// Execute runs the configured local command, typically a service reload
// after certificate files changed on disk. Failures are logged and counted
// but never propagated, a broken hook must not break the workflow.
func Execute(logger log.Logger, common config.Common) {
	if !common.CmdEnabled {
		return
	}

	fields := strings.Split(common.CmdRun, " ")
	name, args := fields[0], fields[1:]

	out, err := run(name, args, common.CmdTimeout)
	if err != nil {
		_ = level.Error(logger).Log("msg", fmt.Sprintf("Command '%s %s' failed: %s", name, strings.Join(args, " "), out), "err", err)
		metrics.IncRunFailedLocalCmd()
		return
	}

	_ = level.Info(logger).Log("msg", fmt.Sprintf("Command '%s %s' successfully executed", name, strings.Join(args, " ")))
	metrics.IncRunSuccessLocalCmd()
}

func run(name string, args []string, timeoutSec int) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return out.String(), err
}
