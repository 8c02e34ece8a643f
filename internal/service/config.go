package service

import (
	"sort"

	"github.com/mattjoyce/procpool/internal/broker"
	"github.com/mattjoyce/procpool/internal/config"
	"github.com/mattjoyce/procpool/internal/pool"
	"github.com/mattjoyce/procpool/internal/process"
)

// FromConfig converts a loaded configuration. mem is used when the broker
// type is memory; pass nil to get a fresh in-process broker.
func FromConfig(cfg *config.Config, mem *broker.MemoryBroker) (Config, error) {
	setting, err := broker.SettingFromConfig(cfg.Broker, mem)
	if err != nil {
		return Config{}, err
	}

	groups := make([]pool.Group, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groups = append(groups, groupFromConfig(g))
	}

	return Config{
		Broker: setting,
		Groups: groups,
		Retry: pool.Retry{
			MaxAttempts: cfg.Broker.Retry.MaxAttempts,
			BackoffBase: cfg.Broker.Retry.BackoffBase,
			BackoffMax:  cfg.Broker.Retry.BackoffMax,
		},
		ShutdownTimeout: cfg.Service.ShutdownTimeout,
	}, nil
}

func groupFromConfig(g config.GroupConfig) pool.Group {
	out := pool.Group{
		Name:  g.Name,
		Queue: g.Queue,
		Units: g.Units,
		Process: process.Spec{
			Command:     g.Command,
			Args:        g.Args,
			Env:         envList(g.Env),
			Dir:         g.Dir,
			GracePeriod: g.StopGrace,
		},
		TaskTimeout:     g.TaskTimeout,
		RestartAttempts: g.RestartAttempts,
		MaxHops:         g.HopLimit(),
	}
	for _, sg := range g.SubGroups {
		out.SubGroups = append(out.SubGroups, groupFromConfig(sg))
	}
	return out
}

// envList renders env as KEY=VALUE pairs in key order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
