package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Secret is a credential read from the config file or the environment.
// It prints redacted so configs can be logged.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

func (s Secret) GoString() string { return `"` + s.String() + `"` }

type Config struct {
	StagingDir string `yaml:"staging_dir"`
	MountRoot  string `yaml:"mount_root"`

	Upload Upload `yaml:"upload"`

	Gopros       []Gopro       `yaml:"gopros"`
	MassStorages []MassStorage `yaml:"mass_storages"`
	Flysights    []Flysight    `yaml:"flysights"`

	Dropbox *Dropbox `yaml:"dropbox"`
	GCS     *GCS     `yaml:"gcs"`
	Archive *Archive `yaml:"archive"`

	Pushover *Pushover `yaml:"pushover"`
	Sendgrid *Sendgrid `yaml:"sendgrid"`
}

type Upload struct {
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
	Workers int           `yaml:"workers"`
}

// Gopro is matched on the USB bus by serial number.
type Gopro struct {
	Name             string `yaml:"name"`
	Serial           string `yaml:"serial"`
	DeleteAfterStage bool   `yaml:"delete_after_stage"`
}

// Mountable is matched by filesystem label, or taken from an existing mountpoint.
type Mountable struct {
	Name       string `yaml:"name"`
	Label      string `yaml:"label"`
	Mountpoint string `yaml:"mountpoint"`
}

type MassStorage struct {
	Mountable        `yaml:",inline"`
	Extensions       []string `yaml:"extensions"`
	DeleteAfterStage bool     `yaml:"delete_after_stage"`
}

type Flysight struct {
	Mountable `yaml:",inline"`
}

type Dropbox struct {
	Root         string `yaml:"root"`
	AccessToken  Secret `yaml:"access_token"`
	AppKey       string `yaml:"app_key"`
	AppSecret    Secret `yaml:"app_secret"`
	RefreshToken Secret `yaml:"refresh_token"`
}

type GCS struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

type Archive struct {
	Root    string `yaml:"root"`
	Catalog string `yaml:"catalog"`
}

type Pushover struct {
	Token Secret `yaml:"token"`
	User  Secret `yaml:"user"`
}

type Sendgrid struct {
	APIKey  Secret   `yaml:"api_key"`
	From    string   `yaml:"from"`
	To      []string `yaml:"to"`
	Subject string   `yaml:"subject"`
}

func Default() Config {
	return Config{
		StagingDir: "/var/lib/archiver/staging",
		MountRoot:  "/run/archiver/mnt",
		Upload:     Upload{Retries: 3, Workers: 1},
	}
}

// Load reads path over the defaults, then lets the environment fill in secrets.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *Secret, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = Secret(v)
		}
	}
	if c.Dropbox != nil {
		set(&c.Dropbox.AccessToken, "ARCHIVER_DROPBOX_TOKEN")
		set(&c.Dropbox.AppSecret, "ARCHIVER_DROPBOX_APP_SECRET")
		set(&c.Dropbox.RefreshToken, "ARCHIVER_DROPBOX_REFRESH_TOKEN")
	}
	if c.Pushover != nil {
		set(&c.Pushover.Token, "ARCHIVER_PUSHOVER_TOKEN")
		set(&c.Pushover.User, "ARCHIVER_PUSHOVER_USER")
	}
	if c.Sendgrid != nil {
		set(&c.Sendgrid.APIKey, "ARCHIVER_SENDGRID_API_KEY")
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.StagingDir == "" {
		errs = append(errs, errors.New("staging_dir is required"))
	}
	if c.Upload.Retries < 1 {
		errs = append(errs, fmt.Errorf("upload.retries must be at least 1, got %d", c.Upload.Retries))
	}
	if c.Upload.Backoff < 0 {
		errs = append(errs, errors.New("upload.backoff must not be negative"))
	}
	if c.Upload.Workers < 1 {
		errs = append(errs, fmt.Errorf("upload.workers must be at least 1, got %d", c.Upload.Workers))
	}

	names := map[string]bool{}
	checkName := func(kind, name string) {
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s: name is required", kind))
		case strings.ContainsAny(name, `/\`):
			errs = append(errs, fmt.Errorf("%s %q: name must not contain path separators", kind, name))
		case names[name]:
			errs = append(errs, fmt.Errorf("%s %q: duplicate device name", kind, name))
		}
		names[name] = true
	}
	for _, g := range c.Gopros {
		checkName("gopro", g.Name)
		if g.Serial == "" {
			errs = append(errs, fmt.Errorf("gopro %q: serial is required", g.Name))
		}
	}
	for _, m := range c.MassStorages {
		checkName("mass_storage", m.Name)
		if m.Label == "" && m.Mountpoint == "" {
			errs = append(errs, fmt.Errorf("mass_storage %q: label or mountpoint is required", m.Name))
		}
	}
	for _, f := range c.Flysights {
		checkName("flysight", f.Name)
		if f.Label == "" && f.Mountpoint == "" {
			errs = append(errs, fmt.Errorf("flysight %q: label or mountpoint is required", f.Name))
		}
	}
	if (len(c.MassStorages) > 0 || len(c.Flysights) > 0) && c.MountRoot == "" {
		errs = append(errs, errors.New("mount_root is required when mountable devices are configured"))
	}

	if c.Dropbox != nil && c.Dropbox.AccessToken == "" && c.Dropbox.RefreshToken == "" {
		errs = append(errs, errors.New("dropbox: access_token or refresh_token is required"))
	}
	if c.GCS != nil && c.GCS.Bucket == "" {
		errs = append(errs, errors.New("gcs: bucket is required"))
	}
	if c.Archive != nil && (c.Archive.Root == "" || c.Archive.Catalog == "") {
		errs = append(errs, errors.New("archive: root and catalog are required"))
	}
	if c.Pushover != nil && (c.Pushover.Token == "" || c.Pushover.User == "") {
		errs = append(errs, errors.New("pushover: token and user are required"))
	}
	if c.Sendgrid != nil && (c.Sendgrid.APIKey == "" || c.Sendgrid.From == "" || len(c.Sendgrid.To) == 0) {
		errs = append(errs, errors.New("sendgrid: api_key, from and to are required"))
	}
	return errors.Join(errs...)
}

// Backends lists the configured storage backends by adaptor name.
func (c *Config) Backends() []string {
	var out []string
	if c.Dropbox != nil {
		out = append(out, "dropbox")
	}
	if c.GCS != nil {
		out = append(out, "gcs")
	}
	if c.Archive != nil {
		out = append(out, "archive")
	}
	return out
}
