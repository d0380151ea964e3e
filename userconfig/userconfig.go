package userconfig

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v2"

	"github.com/ptgott/relaymail/crypt"
	"github.com/ptgott/relaymail/delivery"
	"github.com/ptgott/relaymail/filter"
	"github.com/ptgott/relaymail/storage"
	smtptransport "github.com/ptgott/relaymail/transport/smtp"
)

// Providers an account can use.
const (
	ProviderSMTP = "smtp"
	ProviderSES  = "ses"
)

// Meta represents all current config options that the application can use,
// i.e., after validation and parsing
type Meta struct {
	// From is the sender used when the command line doesn't name one.
	From string `yaml:"from"`
	// Recipients are used when the command line doesn't name any.
	Recipients       []string          `yaml:"recipients"`
	Accounts         []Account         `yaml:"accounts"`
	Encryption       Encryption        `yaml:"encryption"`
	Retry            Retry             `yaml:"retry"`
	ShuffleAccounts  bool              `yaml:"shuffleAccounts"`
	NotifyOnFailover bool              `yaml:"notifyOnFailover"`
	MaxMessageSize   Size              `yaml:"maxMessageSize"`
	Journal          *storage.KVConfig `yaml:"journal"`
	Events           Events            `yaml:"events"`
	Filters          []filter.Command  `yaml:"filters"`
}

// Account is one way of sending mail. Accounts are tried in order unless
// shuffleAccounts is set.
type Account struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`

	SMTPHost string `yaml:"smtpHost"`
	SMTPMode string `yaml:"smtpMode"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// PasswordKeyring names the keyring service holding the password for
	// User. It's only consulted when Password is empty.
	PasswordKeyring    string        `yaml:"passwordKeyring"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	Timeout            time.Duration `yaml:"timeout"`

	// From overrides the envelope sender for this account.
	From string `yaml:"from"`

	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"accessKeyID"`
	SecretAccessKey  string `yaml:"secretAccessKey"`
	ConfigurationSet string `yaml:"configurationSet"`
}

// CheckAndSetDefaults validates a and either returns a copy of a with default
// settings applied or returns an error due to an invalid configuration
func (a *Account) CheckAndSetDefaults() (Account, error) {
	c := *a
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderSMTP
	}

	switch c.Provider {
	case ProviderSMTP:
		if c.SMTPHost == "" {
			return Account{}, errors.New("an SMTP account must include an smtpHost")
		}
		m, err := smtptransport.ParseMode(c.SMTPMode)
		if err != nil {
			return Account{}, err
		}
		c.SMTPMode = string(m)
		if c.Password != "" && c.User == "" {
			return Account{}, fmt.Errorf("the account for %v has a password but no user", c.SMTPHost)
		}
		if c.PasswordKeyring != "" && c.User == "" {
			return Account{}, fmt.Errorf("the account for %v reads its password from a keyring but has no user", c.SMTPHost)
		}
		if c.Name == "" {
			c.Name = c.SMTPHost
		}
	case ProviderSES:
		if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
			return Account{}, errors.New("an SES account needs both accessKeyID and secretAccessKey, or neither")
		}
		if c.Name == "" {
			c.Name = "ses"
			if c.Region != "" {
				c.Name += ":" + c.Region
			}
		}
	default:
		return Account{}, fmt.Errorf("unknown account provider %q (expected smtp or ses)", a.Provider)
	}

	if c.Timeout < 0 {
		return Account{}, fmt.Errorf("the timeout of account %v can't be negative", c.Name)
	}
	return c, nil
}

// Encryption configures how messages are encrypted.
type Encryption struct {
	Policy crypt.Policy `yaml:"policy"`
	// Keybox is a file of OpenPGP certificates.
	Keybox    string          `yaml:"keybox"`
	Fallback  crypt.Fallback  `yaml:"fallback"`
	Ambiguous crypt.Ambiguity `yaml:"ambiguous"`
}

// Retry configures retries on one account.
type Retry delivery.RetryPolicy

// UnmarshalYAML parses a retry section. Keys that are missing keep the
// values of delivery.DefaultRetryPolicy.
func (r *Retry) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("can't parse the retry config: %v", err)
	}

	p := delivery.DefaultRetryPolicy

	if s, ok := v["maxAttempts"]; ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("can't parse maxAttempts as an integer: %v", err)
		}
		p.MaxAttempts = n
	}
	if s, ok := v["multiplier"]; ok {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("can't parse the retry multiplier as a number: %v", err)
		}
		p.Multiplier = f
	}

	durations := map[string]*time.Duration{
		"baseDelay": &p.BaseDelay,
		"maxDelay":  &p.MaxDelay,
		"jitter":    &p.Jitter,
	}
	for k, d := range durations {
		s, ok := v[k]
		if !ok {
			continue
		}
		pd, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("can't parse %v as a duration: %v", k, err)
		}
		*d = pd
	}

	*r = Retry(p)
	return nil
}

// Policy returns r as a delivery.RetryPolicy.
func (r Retry) Policy() delivery.RetryPolicy {
	return delivery.RetryPolicy(r)
}

// Size is a number of bytes written like "10MB" or "512KiB".
type Size int64

func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v string
	if err := unmarshal(&v); err != nil {
		return err
	}
	n, err := units.ParseStrictBytes(v)
	if err != nil {
		return fmt.Errorf("can't parse %q as a size: %v", v, err)
	}
	if n < 0 {
		return fmt.Errorf("the size %q can't be negative", v)
	}
	*s = Size(n)
	return nil
}

// Events configures where delivery events go besides the log.
type Events struct {
	// MetricsFile is written in the Prometheus text format after every
	// run, e.g., for node_exporter's textfile collector.
	MetricsFile string `yaml:"metricsFile"`
	Kafka       *Kafka `yaml:"kafka"`
}

// Kafka configures publishing events to a Kafka topic.
type Kafka struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// CheckAndSetDefaults validates m and either returns a copy of m with default
// settings applied or returns an error due to an invalid configuration
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	c := *m

	if len(m.Accounts) == 0 {
		return Meta{}, errors.New("must include at least one item within \"accounts\"")
	}
	c.Accounts = make([]Account, len(m.Accounts))
	names := make(map[string]struct{}, len(m.Accounts))
	for n, a := range m.Accounts {
		na, err := a.CheckAndSetDefaults()
		if err != nil {
			return Meta{}, fmt.Errorf("account %v: %v", n+1, err)
		}
		if _, ok := names[na.Name]; ok {
			return Meta{}, fmt.Errorf("account %v: the name %q is used twice", n+1, na.Name)
		}
		names[na.Name] = struct{}{}
		c.Accounts[n] = na
	}

	if c.Retry == (Retry{}) {
		c.Retry = Retry(delivery.DefaultRetryPolicy)
	}
	if err := c.Retry.Policy().Validate(); err != nil {
		return Meta{}, fmt.Errorf("invalid retry config: %v", err)
	}

	c.Filters = make([]filter.Command, len(m.Filters))
	for n, f := range m.Filters {
		nf, err := f.CheckAndSetDefaults()
		if err != nil {
			return Meta{}, fmt.Errorf("filter %v: %v", n+1, err)
		}
		c.Filters[n] = nf
	}

	if k := c.Events.Kafka; k != nil {
		if len(k.Brokers) == 0 || k.Topic == "" {
			return Meta{}, errors.New("the kafka config must include brokers and a topic")
		}
	}

	if c.Encryption.Policy != crypt.PolicyNone && c.Encryption.Keybox == "" {
		log.Warn().
			Str("policy", c.Encryption.Policy.String()).
			Msg("encryption is enabled but no keybox is configured, so no keys will be found")
	}

	return c, nil
}

// Parse generates usable configurations from possibly arbitrary user input.
// An error indicates a problem with parsing or validation. The Reader r
// can be either JSON or YAML.
func Parse(r io.Reader) (*Meta, error) {
	m, err := decode(r)
	if err != nil {
		return &Meta{}, err
	}

	c, err := m.CheckAndSetDefaults()
	if err != nil {
		return &Meta{}, err
	}
	return &c, nil
}

func decode(r io.Reader) (Meta, error) {
	var m Meta
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return Meta{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}
	return m, nil
}

// DefaultPath returns $XDG_CONFIG_HOME/relaymail/config.yaml, falling back
// to ~/.config when XDG_CONFIG_HOME isn't set.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "relaymail", "config.yaml")
}

// Load reads the config file at path, applies the overrides in env and then
// validates the result.
func Load(path string, env Env) (*Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Meta{}, fmt.Errorf("can't open the config file: %v", err)
	}
	defer f.Close()

	m, err := decode(f)
	if err != nil {
		return &Meta{}, fmt.Errorf("%v: %v", path, err)
	}
	if err := env.Apply(&m); err != nil {
		return &Meta{}, err
	}

	c, err := m.CheckAndSetDefaults()
	if err != nil {
		return &Meta{}, fmt.Errorf("%v: %v", path, err)
	}
	log.Debug().Str("path", path).Int("accounts", len(c.Accounts)).Msg("loaded config")
	return &c, nil
}
