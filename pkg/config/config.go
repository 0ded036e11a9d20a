package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Size is a byte count configurable with human-readable values.
type Size int64

// UnmarshalYAML accepts either a bare integer or a datasize string.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(value.Value)); err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*s = Size(v.Bytes())
	return nil
}

// Broker holds the message broker connection settings.
type Broker struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	VHost            string `yaml:"vhost"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	Exchange         string `yaml:"exchange"`
	HeartbeatSeconds int    `yaml:"heartbeat"`
	// DelayJournal is the path of the local delay journal used when the
	// broker cannot dead-letter TTL queues back into the exchange.
	DelayJournal string `yaml:"delay_journal"`
}

// DBOptions holds the options of one database connection.
type DBOptions struct {
	DBName   string `yaml:"db_name"`
	DBUser   string `yaml:"db_user"`
	DBPasswd string `yaml:"db_passwd"`
	Echo     bool   `yaml:"echo"`
}

// Worker holds the options recognised by one worker queue section.
type Worker struct {
	DBEngine              string    `yaml:"db_engine"`
	DBOptions             DBOptions `yaml:"db_options"`
	Tenancy               string    `yaml:"tenancy"`
	RequireSecure         bool      `yaml:"require_secure_fl"`
	TapeURL               string    `yaml:"tape_url"`
	TapePool              string    `yaml:"tape_pool"`
	ChunkSize             Size      `yaml:"chunk_size"`
	NumParallelUploads    int       `yaml:"num_parallel_uploads"`
	HTTPTimeout           int       `yaml:"http_timeout"`
	FilelistMaxLength     int       `yaml:"filelist_max_length"`
	FilelistMaxSize       Size      `yaml:"filelist_max_size"`
	TargetAggregationSize Size      `yaml:"target_aggregation_size"`
	CheckPermissions      bool      `yaml:"check_permissions_fl"`
	PrintTracebacks       bool      `yaml:"print_tracebacks_fl"`
	DefaultTenancy        string    `yaml:"default_tenancy"`
	DefaultTapeURL        string    `yaml:"default_tape_url"`
	ChownCmd              string    `yaml:"chown_cmd"`
	ChownFl               bool      `yaml:"chown_fl"`
	ChownUser             string    `yaml:"chown_user"`
	RetryDelaysMS         []int     `yaml:"retry_delays"`
	MetricsAddr           string    `yaml:"metrics_addr"`
}

// RetryDelay returns the redelivery delay for the given retry count,
// clamping to the last configured delay.
func (w *Worker) RetryDelay(retry int) time.Duration {
	if len(w.RetryDelaysMS) == 0 {
		return 30 * time.Second
	}
	if retry >= len(w.RetryDelaysMS) {
		retry = len(w.RetryDelaysMS) - 1
	}
	if retry < 0 {
		retry = 0
	}
	return time.Duration(w.RetryDelaysMS[retry]) * time.Millisecond
}

// MaxRetries is the number of redeliveries before a sub-record fails.
func (w *Worker) MaxRetries() int {
	if len(w.RetryDelaysMS) == 0 {
		return 5
	}
	return len(w.RetryDelaysMS)
}

// RPCPublisher configures the synchronous query path.
type RPCPublisher struct {
	TimeLimit int `yaml:"time_limit"`
	QueueTTL  int `yaml:"queue_expiry"`
}

// Timeout returns the RPC reply deadline.
func (r *RPCPublisher) Timeout() time.Duration {
	if r.TimeLimit <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.TimeLimit) * time.Second
}

// CronjobPublisher configures the archive-put trigger.
type CronjobPublisher struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Tenancy   string `yaml:"tenancy"`
	TapeURL   string `yaml:"tape_url"`
}

// AccessPolicy configures the bucket policy applied on bucket creation.
type AccessPolicy struct {
	ServiceUser string `yaml:"service_user"`
	GroupRead   bool   `yaml:"group_read_fl"`
}

// Logging mirrors pkg/log's configuration in the server config file.
type Logging struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full server configuration.
type Config struct {
	Logging          Logging          `yaml:"logging"`
	Broker           Broker           `yaml:"broker"`
	CatalogQ         Worker           `yaml:"catalog_q"`
	MonitorQ         Worker           `yaml:"monitor_q"`
	IndexQ           Worker           `yaml:"index_q"`
	TransferPutQ     Worker           `yaml:"transfer_put_q"`
	TransferGetQ     Worker           `yaml:"transfer_get_q"`
	ArchivePutQ      Worker           `yaml:"archive_put_q"`
	ArchiveGetQ      Worker           `yaml:"archive_get_q"`
	RPCPublisher     RPCPublisher     `yaml:"rpc_publisher"`
	CronjobPublisher CronjobPublisher `yaml:"cronjob_publisher"`
	AccessPolicy     AccessPolicy     `yaml:"object_store_access_policy"`
}

// Load reads and validates the server configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Broker.Host == "" {
		return nil, fmt.Errorf("config: broker.host is required")
	}
	return cfg, nil
}

// Default returns a configuration with usable development defaults.
func Default() *Config {
	worker := Worker{
		DBEngine:              "sqlite",
		ChunkSize:             Size(16 * 1024 * 1024),
		NumParallelUploads:    4,
		HTTPTimeout:           30,
		FilelistMaxLength:     1000,
		FilelistMaxSize:       Size(64 * 1024 * 1024),
		TargetAggregationSize: Size(5 * 1024 * 1024 * 1024),
		CheckPermissions:      true,
		RetryDelaysMS:         []int{0, 30000, 60000, 120000, 240000},
	}
	return &Config{
		Logging: Logging{Level: "info"},
		Broker: Broker{
			Port:             5672,
			VHost:            "/",
			Exchange:         "nlds",
			HeartbeatSeconds: 60,
		},
		CatalogQ:     worker,
		MonitorQ:     worker,
		IndexQ:       worker,
		TransferPutQ: worker,
		TransferGetQ: worker,
		ArchivePutQ:  worker,
		ArchiveGetQ:  worker,
		RPCPublisher: RPCPublisher{TimeLimit: 30},
		AccessPolicy: AccessPolicy{ServiceUser: "nlds", GroupRead: true},
	}
}
