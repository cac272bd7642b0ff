package config

import "time"

// Config represents the top-level YAML configuration file.
type Config struct {
	Include   []string        `mapstructure:"include"   yaml:"include,omitempty"`
	Backup    BackupConfig    `mapstructure:"backup"    yaml:"backup"`
	Crypto    CryptoConfig    `mapstructure:"crypto"    yaml:"crypto"`
	Storage   StorageConfig   `mapstructure:"storage"   yaml:"storage"`
	Files     FilesConfig     `mapstructure:"files"     yaml:"files"`
	Metadata  MetadataConfig  `mapstructure:"metadata"  yaml:"metadata"`
	Notify    NotifyConfig    `mapstructure:"notify"    yaml:"notify"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"  yaml:"schedule"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	Verify    VerifyConfig    `mapstructure:"verify"    yaml:"verify"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"  yaml:"recovery"`
	Vault     VaultConfig     `mapstructure:"vault"     yaml:"vault"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
	Log       LogConfig       `mapstructure:"log"       yaml:"log"`

	// Per-engine groups
	Postgres DBGroupConfig `mapstructure:"postgres" yaml:"postgres"`
	MySQL    DBGroupConfig `mapstructure:"mysql"    yaml:"mysql"`
	Memory   MemoryConfig  `mapstructure:"memory"   yaml:"memory"`
}

// VaultConfig holds connection settings for HashiCorp Vault. Vault is only
// contacted when Address is set.
type VaultConfig struct {
	Address     string `mapstructure:"address"      yaml:"address"      validate:"omitempty,url"`
	Token       string `mapstructure:"token"        yaml:"token,omitempty"`
	RoleID      string `mapstructure:"role_id"      yaml:"role_id,omitempty"`
	ApproleName string `mapstructure:"approle_name" yaml:"approle_name,omitempty"`
}

// BackupConfig contains global backup options.
type BackupConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"             yaml:"timeout"             validate:"gt=0"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"           yaml:"lease_ttl"           validate:"gt=0"`
	MaxChainDepth     int           `mapstructure:"max_chain_depth"     yaml:"max_chain_depth"     validate:"gte=1"`
	Workers           int           `mapstructure:"workers"             yaml:"workers"             validate:"gte=1"`
	RollbackOnFailure bool          `mapstructure:"rollback_on_failure" yaml:"rollback_on_failure"`
	Prefix            string        `mapstructure:"prefix"              yaml:"prefix"              validate:"required"`
}

// CryptoConfig selects the cipher and where its password comes from.
// PasswordSecret is a Vault KV path read when Password is empty.
type CryptoConfig struct {
	Algorithm      string `mapstructure:"algorithm"       yaml:"algorithm"       validate:"oneof=aes-256-gcm aes-192-gcm aes-128-gcm aes-256-cbc"`
	Password       string `mapstructure:"password"        yaml:"password,omitempty"`
	PasswordSecret string `mapstructure:"password_secret" yaml:"password_secret,omitempty"`
	ScryptN        int    `mapstructure:"scrypt_n"        yaml:"scrypt_n"        validate:"gte=2"`
	ScryptR        int    `mapstructure:"scrypt_r"        yaml:"scrypt_r"        validate:"gte=1"`
	ScryptP        int    `mapstructure:"scrypt_p"        yaml:"scrypt_p"        validate:"gte=1"`
}

// S3Endpoint is the connection part shared by every S3-backed section.
type S3Endpoint struct {
	Region       string `mapstructure:"region"         yaml:"region,omitempty"`
	Endpoint     string `mapstructure:"endpoint"       yaml:"endpoint,omitempty" validate:"omitempty,url"`
	AccessKey    string `mapstructure:"access_key"     yaml:"access_key,omitempty"`
	SecretKey    string `mapstructure:"secret_key"     yaml:"secret_key,omitempty"`
	Profile      string `mapstructure:"profile"        yaml:"profile,omitempty"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style,omitempty"`
}

// StorageConfig is the remote store receiving encrypted backups.
type StorageConfig struct {
	Driver               string `mapstructure:"driver" yaml:"driver" validate:"oneof=s3 memory"`
	Bucket               string `mapstructure:"bucket" yaml:"bucket" validate:"required_if=Driver s3"`
	S3Endpoint           `mapstructure:",squash" yaml:",inline"`
	ServerSideEncryption string        `mapstructure:"server_side_encryption" yaml:"server_side_encryption,omitempty"`
	StorageClass         string        `mapstructure:"storage_class"          yaml:"storage_class,omitempty"`
	Retry                RetryConfig   `mapstructure:"retry"                  yaml:"retry"`
	Replica              ReplicaConfig `mapstructure:"replica"                yaml:"replica"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"  yaml:"attempts"  validate:"gte=1"`
	Delay    time.Duration `mapstructure:"delay"     yaml:"delay"     validate:"gt=0"`
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay" validate:"gtefield=Delay"`
}

// ReplicaConfig is the secondary-region copy of the remote store.
type ReplicaConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Bucket     string `mapstructure:"bucket"  yaml:"bucket" validate:"required_if=Enabled true"`
	S3Endpoint `mapstructure:",squash" yaml:",inline"`
}

// FilesConfig is the bucket/object store holding user media. Driver "none"
// leaves files out of every backup.
type FilesConfig struct {
	Driver     string   `mapstructure:"driver"  yaml:"driver"  validate:"oneof=s3 memory none"`
	Buckets    []string `mapstructure:"buckets" yaml:"buckets,omitempty"`
	S3Endpoint `mapstructure:",squash" yaml:",inline"`
}

// MetadataConfig locates the backup metadata repository.
type MetadataConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite memory"`
	Path   string `mapstructure:"path"   yaml:"path"   validate:"required_if=Driver sqlite"`
}

type NotifyConfig struct {
	Webhook WebhookConfig `mapstructure:"webhook" yaml:"webhook"`
	Email   EmailConfig   `mapstructure:"email"   yaml:"email"`
}

type WebhookConfig struct {
	URL     string            `mapstructure:"url"     yaml:"url,omitempty" validate:"omitempty,url"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"       validate:"gt=0"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
}

type EmailConfig struct {
	Host     string   `mapstructure:"host"     yaml:"host,omitempty"`
	Port     int      `mapstructure:"port"     yaml:"port,omitempty" validate:"omitempty,gte=1,lte=65535"`
	Username string   `mapstructure:"username" yaml:"username,omitempty"`
	Password string   `mapstructure:"password" yaml:"password,omitempty"`
	From     string   `mapstructure:"from"     yaml:"from,omitempty" validate:"omitempty,email"`
	To       []string `mapstructure:"to"       yaml:"to,omitempty"   validate:"omitempty,dive,email"`
}

// ScheduleConfig holds one cron expression per job. An empty expression
// disables the job.
type ScheduleConfig struct {
	Full         string        `mapstructure:"full"         yaml:"full"`
	Incremental  string        `mapstructure:"incremental"  yaml:"incremental"`
	Differential string        `mapstructure:"differential" yaml:"differential"`
	Snapshot     string        `mapstructure:"snapshot"     yaml:"snapshot"`
	Verify       string        `mapstructure:"verify"       yaml:"verify"`
	Retention    string        `mapstructure:"retention"    yaml:"retention"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"  yaml:"run_timeout" validate:"gt=0"`
}

// RetentionConfig is the tiered retention policy, in periods per tier.
type RetentionConfig struct {
	Daily   int `mapstructure:"daily"   yaml:"daily"   validate:"gte=1"`
	Weekly  int `mapstructure:"weekly"  yaml:"weekly"  validate:"gte=0"`
	Monthly int `mapstructure:"monthly" yaml:"monthly" validate:"gte=0"`
	Yearly  int `mapstructure:"yearly"  yaml:"yearly"  validate:"gte=1"`
}

type VerifyConfig struct {
	Window  time.Duration `mapstructure:"window"  yaml:"window"  validate:"gt=0"`
	Workers int           `mapstructure:"workers" yaml:"workers" validate:"gte=1"`
}

// RecoveryConfig configures the disaster recovery procedures.
type RecoveryConfig struct {
	TransactionLog  CommandConfig `mapstructure:"transaction_log"  yaml:"transaction_log"`
	RedirectWebhook string        `mapstructure:"redirect_webhook" yaml:"redirect_webhook,omitempty" validate:"omitempty,url"`
	Region          RegionConfig  `mapstructure:"region"           yaml:"region"`
}

// CommandConfig is an external command. "{since}" in Args is replaced with
// an RFC 3339 timestamp.
type CommandConfig struct {
	Command string   `mapstructure:"command" yaml:"command,omitempty"`
	Args    []string `mapstructure:"args"    yaml:"args,omitempty"`
}

// RegionConfig is the alternate target used when the primary region is lost:
// every database instance is reached at Host and files go to Files.
type RegionConfig struct {
	Host  string      `mapstructure:"host"  yaml:"host,omitempty"`
	Files FilesConfig `mapstructure:"files" yaml:"files"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address" validate:"required_if=Enabled true"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"       yaml:"level"       validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// EngineDefaults provides common settings for a DB engine.
type EngineDefaults struct {
	Host    string        `mapstructure:"host"    yaml:"host,omitempty"`
	Port    string        `mapstructure:"port"    yaml:"port,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Method  string        `mapstructure:"method"  yaml:"method,omitempty"`
}

// DBGroupConfig groups common engine settings and Vault prefixes.
type DBGroupConfig struct {
	EngineDefaults `mapstructure:",squash" yaml:",inline"` // inline and squash host, port, timeout, method

	// ChangeColumn is the timestamp column used to select changed rows for
	// incremental backups; KeyColumn identifies a row when merging them.
	ChangeColumn string `mapstructure:"change_column" yaml:"change_column"`
	KeyColumn    string `mapstructure:"key_column"    yaml:"key_column"`

	Vault     VaultPaths   `mapstructure:"vault"     yaml:"vault"`
	Instances []DBInstance `mapstructure:"instances" yaml:"instances" validate:"dive"`
}

// VaultPaths holds the KV and role prefixes under the Vault mount.
type VaultPaths struct {
	KVBase   string `mapstructure:"kv_base"   yaml:"kv_base"`
	RoleBase string `mapstructure:"role_base" yaml:"role_base"`
}

// DBInstance represents a single database within a group. Username and
// Password are used when no Vault role is configured.
type DBInstance struct {
	Name     string `mapstructure:"name"      yaml:"name"      validate:"required"`
	Host     string `mapstructure:"host"      yaml:"host,omitempty"`
	Port     string `mapstructure:"port"      yaml:"port,omitempty"`
	Database string `mapstructure:"database"  yaml:"database,omitempty" validate:"required"`
	RoleName string `mapstructure:"role_name" yaml:"role_name,omitempty"`
	Username string `mapstructure:"username"  yaml:"username,omitempty"`
	Password string `mapstructure:"password"  yaml:"password,omitempty"`
	Method   string `mapstructure:"method"    yaml:"method,omitempty"`
}

// MemoryConfig declares in-process databases, used for dry runs and demos.
type MemoryConfig struct {
	Databases []MemoryDatabase `mapstructure:"databases" yaml:"databases" validate:"dive"`
}

type MemoryDatabase struct {
	Name   string   `mapstructure:"name"   yaml:"name"   validate:"required"`
	Tables []string `mapstructure:"tables" yaml:"tables"`
}
