package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct constraints and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on the %q rule", fieldPath(fe.Namespace()), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if err := validateBroker(&cfg.Broker); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, g := range cfg.AllGroups() {
		if seen[g.Name] {
			return fmt.Errorf("groups: duplicate group name %q", g.Name)
		}
		seen[g.Name] = true

		if g.Units < 1 {
			return fmt.Errorf("group %q: units must be >= 1 (got %d)", g.Name, g.Units)
		}
		if g.MaxHops != nil && *g.MaxHops < 0 {
			return fmt.Errorf("group %q: max_hops must be >= 0 (got %d)", g.Name, *g.MaxHops)
		}
		if cfg.Broker.Type == "redis" && g.TaskTimeout > 0 && cfg.Broker.Redis.ClaimIdle > 0 &&
			cfg.Broker.Redis.ClaimIdle <= g.TaskTimeout {
			return fmt.Errorf("group %q: task_timeout %s must be shorter than broker.redis.claim_idle %s",
				g.Name, g.TaskTimeout, cfg.Broker.Redis.ClaimIdle)
		}
		if err := checkUnresolved(fmt.Sprintf("group %q: command", g.Name), g.Command); err != nil {
			return err
		}
		for k, v := range g.Env {
			if err := checkUnresolved(fmt.Sprintf("group %q: env.%s", g.Name, k), v); err != nil {
				return err
			}
		}
	}

	paths := make(map[string]bool)
	for _, ep := range cfg.Webhooks.Endpoints {
		if paths[ep.Path] {
			return fmt.Errorf("webhooks: duplicate endpoint path %q", ep.Path)
		}
		paths[ep.Path] = true
		if ep.Secret == "" {
			return fmt.Errorf("webhook %q: secret is required", ep.Path)
		}
		if err := checkUnresolved(fmt.Sprintf("webhook %q: secret", ep.Path), ep.Secret); err != nil {
			return err
		}
	}

	if cfg.API.Enabled {
		if err := checkUnresolved("api.api_key", cfg.API.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Tokens {
			if err := checkUnresolved(fmt.Sprintf("api.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateBroker(b *BrokerConfig) error {
	switch b.Type {
	case "amqp", "redis":
		if b.Host == "" {
			return fmt.Errorf("broker.host is required for type %s", b.Type)
		}
	case "kafka":
		if b.Host == "" && len(b.Brokers) == 0 {
			return errors.New("broker.host or broker.brokers is required for type kafka")
		}
		if b.Kafka.GroupID == "" {
			return errors.New("broker.kafka.group_id is required for type kafka")
		}
	}
	if b.Retry.BackoffMax > 0 && b.Retry.BackoffBase > b.Retry.BackoffMax {
		return fmt.Errorf("broker.retry.backoff_base (%s) exceeds backoff_max (%s)", b.Retry.BackoffBase, b.Retry.BackoffMax)
	}
	for field, v := range map[string]string{
		"broker.host":     b.Host,
		"broker.username": b.Username,
		"broker.password": b.Password,
	} {
		if err := checkUnresolved(field, v); err != nil {
			return err
		}
	}
	return nil
}

// checkUnresolved rejects values that still hold a ${VAR} placeholder.
func checkUnresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// fieldPath turns "Config.Groups[0].Command" into "groups[0].command".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}
