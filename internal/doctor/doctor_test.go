package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cellagent/cellagent/internal/config"
)

func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("CELLAGENT_HOME", tmp)
	t.Setenv("CELLAGENT_CONFIG", "")
	t.Setenv("CELLAGENT_ENV_FILE", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	return tmp
}

func writeConfig(t *testing.T, home, body string, perm os.FileMode) string {
	t.Helper()
	dir := filepath.Join(home, config.ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, config.ConfigFile)
	if err := os.WriteFile(path, []byte(body), perm); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	return path
}

func find(r Report, name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

func TestMissingConfigWarnsNoFailure(t *testing.T) {
	isolate(t)
	report, err := Run(context.Background(), Options{}, nil)
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if report.HasFailures() {
		t.Fatalf("expected no failures with missing config, got %#v", report)
	}
	if c, _ := find(report, "config_file"); c.Status != Warn {
		t.Fatalf("config_file = %#v", c)
	}
}

func TestInvalidConfigFails(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"model":`, 0o600)
	report, _ := Run(context.Background(), Options{}, nil)
	if c, _ := find(report, "config_load"); c.Status != Fail {
		t.Fatalf("expected config_load failure, got %#v", report)
	}
}

func TestMissingAPIKeyFails(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "")
	report, _ := Run(context.Background(), Options{}, nil)
	if c, _ := find(report, "api_key"); c.Status != Fail {
		t.Fatalf("api_key = %#v", c)
	}
}

func TestRemoteGatewayRequiresAuthToken(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{"gateway": {"host": "0.0.0.0", "port": 18890, "authToken": ""}}`, 0o600)
	report, _ := Run(context.Background(), Options{}, nil)
	c, ok := find(report, "gateway_auth")
	if !ok || c.Status != Fail {
		t.Fatalf("expected gateway_auth failure, got %#v", report)
	}

	report, _ = Run(context.Background(), Options{GenerateGatewayToken: true}, nil)
	if c, _ := find(report, "gateway_token"); c.Status != Pass {
		t.Fatalf("gateway_token = %#v", c)
	}
	if c, _ := find(report, "gateway_auth"); c.Status != Pass {
		t.Fatalf("expected token to satisfy gateway_auth, got %#v", c)
	}
}

func TestFixTightensConfigPerms(t *testing.T) {
	home := isolate(t)
	path := writeConfig(t, home, `{}`, 0o644)

	report, _ := Run(context.Background(), Options{}, nil)
	if c, _ := find(report, "config_perms"); c.Status != Warn {
		t.Fatalf("config_perms = %#v", c)
	}

	report, _ = Run(context.Background(), Options{Fix: true}, nil)
	if c, _ := find(report, "config_perms"); c.Status != Pass {
		t.Fatalf("config_perms after fix = %#v", c)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %o", info.Mode().Perm())
	}
}

func TestKafkaProbe(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, `{
	  "events": {"enabled": true, "brokers": " , kafka-1:9092,kafka-2:9092", "topics": ["in.a", "in.b"]},
	  "broadcast": {"enabled": true, "brokers": "kafka-1:9092", "topic": "out"}
	}`, 0o600)

	var probed []string
	probe := func(ctx context.Context, broker, topic string) error {
		probed = append(probed, broker+"/"+topic)
		if topic == "in.b" {
			return errors.New("unknown topic")
		}
		return nil
	}
	report, _ := Run(context.Background(), Options{ProbeKafka: true}, probe)

	if got := strings.Join(probed, ","); got != "kafka-1:9092/in.a,kafka-1:9092/in.b,kafka-1:9092/out" {
		t.Fatalf("probed = %s", got)
	}
	if !report.HasFailures() {
		t.Fatal("expected failure for unknown topic")
	}
	if c, _ := find(report, "broadcast_kafka"); c.Status != Pass {
		t.Fatalf("broadcast_kafka = %#v", c)
	}
}

func TestFirstBroker(t *testing.T) {
	cases := map[string]string{
		"":            "",
		"a:1":         "a:1",
		" , b:2 ,c:3": "b:2",
		"   ":         "",
	}
	for in, want := range cases {
		if got := firstBroker(in); got != want {
			t.Errorf("firstBroker(%q) = %q, want %q", in, got, want)
		}
	}
}
