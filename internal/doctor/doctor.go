// Package doctor runs local diagnostics over the configuration and the
// services cellagent depends on.
package doctor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cellagent/cellagent/internal/config"
	"github.com/cellagent/cellagent/internal/store"
)

type Status string

const (
	Pass Status = "pass"
	Warn Status = "warn"
	Fail Status = "fail"
)

type Check struct {
	Name    string
	Status  Status
	Message string
}

type Report struct {
	Checks []Check
}

func (r Report) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == Fail {
			return true
		}
	}
	return false
}

func (r *Report) add(name string, st Status, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Status: st, Message: fmt.Sprintf(format, args...)})
}

type Options struct {
	// Fix tightens config file permissions.
	Fix bool
	// GenerateGatewayToken writes a fresh gateway auth token to the config file.
	GenerateGatewayToken bool
	// ProbeKafka dials the configured brokers.
	ProbeKafka bool
}

// TopicProbe checks that a broker answers and knows topic.
type TopicProbe func(ctx context.Context, broker, topic string) error

// KafkaTopicProbe dials broker with kafka-go and reads the topic's partitions.
func KafkaTopicProbe(ctx context.Context, broker, topic string) error {
	dialer := &kafka.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("broker dial failed: %w", err)
	}
	defer conn.Close()
	parts, err := conn.ReadPartitions(topic)
	if err != nil {
		return fmt.Errorf("read partitions: %w", err)
	}
	if len(parts) == 0 {
		return fmt.Errorf("topic %s has no partitions", topic)
	}
	return nil
}

// Run executes every check. A config that fails to load ends the run early.
func Run(ctx context.Context, opts Options, probe TopicProbe) (Report, error) {
	var report Report

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", Fail, "cannot resolve config path: %v", err)
		return report, nil
	}
	info, err := os.Stat(cfgPath)
	switch {
	case os.IsNotExist(err):
		report.add("config_file", Warn, "config file not found at %s (defaults will be used)", cfgPath)
	case err != nil:
		report.add("config_file", Fail, "cannot access config file: %v", err)
	default:
		report.add("config_file", Pass, "config file found at %s", cfgPath)
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			if opts.Fix {
				if err := os.Chmod(cfgPath, 0o600); err != nil {
					report.add("config_perms", Fail, "chmod %s: %v", cfgPath, err)
				} else {
					report.add("config_perms", Pass, "tightened %s from %o to 600", cfgPath, perm)
				}
			} else {
				report.add("config_perms", Warn, "%s is readable by others (%o); run with --fix", cfgPath, perm)
			}
		}
	}

	cfg, err := config.Load()
	if err != nil {
		report.add("config_load", Fail, "config load failed: %v", err)
		return report, nil
	}
	report.add("config_load", Pass, "config loaded successfully")

	if opts.GenerateGatewayToken {
		token, err := randomToken()
		if err != nil {
			report.add("gateway_token", Fail, "failed to generate token: %v", err)
		} else {
			cfg.Gateway.AuthToken = token
			if err := config.Save(cfg); err != nil {
				report.add("gateway_token", Fail, "generated token but failed to save config: %v", err)
			} else {
				report.add("gateway_token", Pass, "generated and saved gateway auth token")
			}
		}
	}

	if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) == "" {
		report.add("api_key", Fail, "no provider API key (set CELLAGENT_OPENAI_API_KEY or OPENAI_API_KEY)")
	} else {
		report.add("api_key", Pass, "provider API key is set")
	}

	checkStore(ctx, &report, cfg)
	checkGateway(&report, cfg)

	for _, name := range []string{"github", "slack"} {
		if cfg.Skills.Enabled(name) {
			report.add("skill_"+name, Pass, "%s skill enabled", name)
		} else {
			report.add("skill_"+name, Warn, "%s skill disabled (no token or disabled in config)", name)
		}
	}

	if opts.ProbeKafka && probe != nil {
		if cfg.Events.Enabled {
			for _, topic := range cfg.Events.Topics {
				checkTopic(ctx, &report, probe, "events_kafka", cfg.Events.Brokers, topic)
			}
		}
		if cfg.Broadcast.Enabled {
			checkTopic(ctx, &report, probe, "broadcast_kafka", cfg.Broadcast.Brokers, cfg.Broadcast.Topic)
		}
	}
	return report, nil
}

func checkStore(ctx context.Context, report *Report, cfg *config.Config) {
	if _, err := os.Stat(cfg.Paths.DBPath); os.IsNotExist(err) {
		report.add("store", Warn, "database %s does not exist yet (created on first run)", cfg.Paths.DBPath)
		return
	}
	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		report.add("store", Fail, "open %s: %v", cfg.Paths.DBPath, err)
		return
	}
	defer st.Close()
	cells, err := st.ListCells(ctx, "", store.CellActive)
	if err != nil {
		report.add("store", Fail, "query cells: %v", err)
		return
	}
	report.add("store", Pass, "%s (%d active cells)", cfg.Paths.DBPath, len(cells))
}

func checkGateway(report *Report, cfg *config.Config) {
	if isLoopbackHost(cfg.Gateway.Host) {
		report.add("gateway_loopback", Pass, "gateway.host is loopback (%s)", cfg.Gateway.Host)
		return
	}
	if strings.TrimSpace(cfg.Gateway.AuthToken) == "" {
		report.add("gateway_auth", Fail, "gateway.host %s is not loopback and gateway.authToken is empty", cfg.Gateway.Host)
		return
	}
	report.add("gateway_loopback", Warn, "gateway.host is non-loopback (%s)", cfg.Gateway.Host)
	report.add("gateway_auth", Pass, "gateway auth token is configured")
}

func checkTopic(ctx context.Context, report *Report, probe TopicProbe, name, brokers, topic string) {
	broker := firstBroker(brokers)
	if broker == "" {
		report.add(name, Fail, "no brokers configured")
		return
	}
	if err := probe(ctx, broker, topic); err != nil {
		report.add(name, Fail, "%s topic %s: %v", broker, topic, err)
		return
	}
	report.add(name, Pass, "%s topic %s reachable", broker, topic)
}

func firstBroker(brokers string) string {
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			return b
		}
	}
	return ""
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "" {
		return false
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
