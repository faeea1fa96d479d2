package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: peerline
  password: secret
  database: peerline_prod

server:
  port: 9090

timing:
  send_timeout: 8s
  heartbeat_interval: 10s
  poll_interval: 3s
  idle_budget: 10m
  warning_threshold: 90s
  backoff_ceiling: 20s
  max_reconnects: 8
  max_manual_retries: 3
  sweep_schedule: "*/2 * * * *"
  waiting_notice_after: 5m
  proposal_ttl: 12h

notify:
  slack_bot_token: xoxb-test
  slack_channel_id: C123
`

const minimalYAML = `
database:
  driver: sqlite
  path: /tmp/test.db
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "mysql")
	}
	if cfg.Database.Host != "10.0.0.5" {
		t.Errorf("Database.Host = %q, want %q", cfg.Database.Host, "10.0.0.5")
	}
	if cfg.Database.Port != 3307 {
		t.Errorf("Database.Port = %d, want %d", cfg.Database.Port, 3307)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9090)
	}
	if cfg.Timing.SendTimeout.Std() != 8*time.Second {
		t.Errorf("Timing.SendTimeout = %v, want 8s", cfg.Timing.SendTimeout)
	}
	if cfg.Timing.IdleBudget.Std() != 10*time.Minute {
		t.Errorf("Timing.IdleBudget = %v, want 10m", cfg.Timing.IdleBudget)
	}
	if cfg.Timing.MaxReconnects != 8 {
		t.Errorf("Timing.MaxReconnects = %d, want 8", cfg.Timing.MaxReconnects)
	}
	if cfg.Timing.SweepSchedule != "*/2 * * * *" {
		t.Errorf("Timing.SweepSchedule = %q, want %q", cfg.Timing.SweepSchedule, "*/2 * * * *")
	}
	if cfg.Timing.ProposalTTL.Std() != 12*time.Hour {
		t.Errorf("Timing.ProposalTTL = %v, want 12h", cfg.Timing.ProposalTTL)
	}
	if cfg.Notify.SlackBotToken != "xoxb-test" {
		t.Errorf("Notify.SlackBotToken = %q, want %q", cfg.Notify.SlackBotToken, "xoxb-test")
	}
}

func TestParse_MinimalAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Timing.SendTimeout.Std() != 10*time.Second {
		t.Errorf("Timing.SendTimeout = %v, want default 10s", cfg.Timing.SendTimeout)
	}
	if cfg.Timing.HeartbeatInterval.Std() != 15*time.Second {
		t.Errorf("Timing.HeartbeatInterval = %v, want default 15s", cfg.Timing.HeartbeatInterval)
	}
	if cfg.Timing.PollInterval.Std() != 5*time.Second {
		t.Errorf("Timing.PollInterval = %v, want default 5s", cfg.Timing.PollInterval)
	}
	if cfg.Timing.IdleBudget.Std() != 5*time.Minute {
		t.Errorf("Timing.IdleBudget = %v, want default 5m", cfg.Timing.IdleBudget)
	}
	if cfg.Timing.WarningThreshold.Std() != 60*time.Second {
		t.Errorf("Timing.WarningThreshold = %v, want default 60s", cfg.Timing.WarningThreshold)
	}
	if cfg.Timing.BackoffCeiling.Std() != 30*time.Second {
		t.Errorf("Timing.BackoffCeiling = %v, want default 30s", cfg.Timing.BackoffCeiling)
	}
	if cfg.Timing.MaxReconnects != 15 {
		t.Errorf("Timing.MaxReconnects = %d, want default 15", cfg.Timing.MaxReconnects)
	}
	if cfg.Timing.MaxManualRetries != 5 {
		t.Errorf("Timing.MaxManualRetries = %d, want default 5", cfg.Timing.MaxManualRetries)
	}
	if cfg.Timing.SweepSchedule != "* * * * *" {
		t.Errorf("Timing.SweepSchedule = %q, want default every minute", cfg.Timing.SweepSchedule)
	}
	if cfg.Timing.ProposalTTL.Std() != 24*time.Hour {
		t.Errorf("Timing.ProposalTTL = %v, want default 24h", cfg.Timing.ProposalTTL)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "sqlite")
	}
	if cfg.Timing.IdleBudget.Std() != 5*time.Minute {
		t.Errorf("Timing.IdleBudget = %v, want 5m", cfg.Timing.IdleBudget)
	}
}

func TestParse_InvalidDriver(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: postgres\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "must be sqlite or mysql") {
		t.Errorf("error = %q, want driver validation message", err.Error())
	}
}

func TestParse_MysqlRequiresUser(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: mysql\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "database.user is required") {
		t.Errorf("error = %q, want user requirement message", err.Error())
	}
}

func TestParse_WarningMustBeBelowBudget(t *testing.T) {
	_, err := Parse([]byte("timing:\n  idle_budget: 30s\n  warning_threshold: 45s\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "warning_threshold") {
		t.Errorf("error = %q, want warning threshold message", err.Error())
	}
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("database: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
