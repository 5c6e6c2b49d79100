package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// setDefaults registers every key so environment overrides apply to keys
// that no file mentions.
func setDefaults(v *viper.Viper, opts Options) {
	data := filepath.Join(opts.WorkDir, DirName)

	host, _ := os.Hostname()
	v.SetDefault("device.id", host)
	v.SetDefault("device.actor", os.Getenv("USER"))

	v.SetDefault("queue.path", filepath.Join(data, "queue.db"))
	v.SetDefault("queue.backoff_min", time.Second)
	v.SetDefault("queue.backoff_max", 5*time.Minute)
	v.SetDefault("queue.max_attempts", 0)

	v.SetDefault("sync.endpoint", "http://localhost:8787")
	v.SetDefault("sync.poll_interval", 5*time.Second)
	v.SetDefault("sync.attempt_timeout", 30*time.Second)
	v.SetDefault("sync.spool_dir", filepath.Join(data, "spool"))
	v.SetDefault("sync.deferred", true)

	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.db_path", filepath.Join(data, "server", "records.db"))
	v.SetDefault("server.audit_db_path", filepath.Join(data, "server", "audit.db"))
	v.SetDefault("server.audit_database_url", "")
	v.SetDefault("server.roles", []string{"admin", "dispatcher"})

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8788)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}
