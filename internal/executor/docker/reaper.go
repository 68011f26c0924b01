package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/sakif/code-sandbox/internal/observability"
)

// Live returns the ids of all containers created by this service instance
// that still exist, running or not.
func (o *Orchestrator) Live(ctx context.Context) ([]string, error) {
	list, err := o.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: o.ownedFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("docker: listing managed containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Reap force-removes every container owned by this instance. Containers
// outlive the process only if it crashed between create and remove; call Reap
// at startup and shutdown when no request is in flight.
func (o *Orchestrator) Reap(ctx context.Context) (int, error) {
	ids, err := o.Live(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, id := range ids {
		err := o.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !isGone(err) {
			errs = append(errs, fmt.Errorf("docker: removing container %s: %w", id, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		observability.ReapedTotal.WithLabelValues("container").Add(float64(removed))
		o.logger.Info("reaped leaked containers", slog.Int("count", removed))
	}
	return removed, errors.Join(errs...)
}

// ownedFilter matches containers that carry both the managed label and this
// instance's id. Label filters are ANDed by the daemon.
func (o *Orchestrator) ownedFilter() filters.Args {
	return filters.NewArgs(
		filters.Arg("label", LabelManaged+"=true"),
		filters.Arg("label", LabelInstance+"="+o.config.InstanceID),
	)
}
