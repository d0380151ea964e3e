package userconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/alecthomas/units"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaymail/crypt"
	"github.com/ptgott/relaymail/delivery"
	"github.com/ptgott/relaymail/storage"
)

// EnvPrefix starts the name of every environment variable the configuration
// reads.
const EnvPrefix = "RELAYMAIL_"

// Env holds settings from the environment. They take precedence over the
// config file.
type Env struct {
	From             string   `env:"FROM"`
	Recipients       []string `env:"RECIPIENTS" envSeparator:","`
	EncryptionPolicy string   `env:"ENCRYPTION_POLICY"`
	Keybox           string   `env:"KEYBOX"`
	MaxAttempts      int      `env:"RETRY_MAX_ATTEMPTS"`
	MaxMessageSize   string   `env:"MAX_MESSAGE_SIZE"`
	JournalDir       string   `env:"JOURNAL_DIR"`
	MetricsFile      string   `env:"METRICS_FILE"`
	// Passwords are keyed by account name, e.g.,
	// RELAYMAIL_PASSWORDS=primary:secret1,backup:secret2
	Passwords map[string]string `env:"PASSWORDS"`
}

// ReadEnv parses RELAYMAIL_* variables out of environ, which is in the format
// of os.Environ. Variables in the dotenv file at dotenvPath are used when
// environ doesn't set them. A missing dotenv file is fine.
func ReadEnv(environ []string, dotenvPath string) (Env, error) {
	vars := make(map[string]string)
	if dotenvPath != "" {
		dv, err := godotenv.Read(dotenvPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Debug().Str("path", dotenvPath).Msg("no dotenv file")
		case err != nil:
			return Env{}, fmt.Errorf("can't read the dotenv file %v: %v", dotenvPath, err)
		default:
			for k, v := range dv {
				vars[k] = v
			}
		}
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			vars[k] = v
		}
	}

	var e Env
	if err := env.ParseWithOptions(&e, env.Options{
		Prefix:      EnvPrefix,
		Environment: vars,
	}); err != nil {
		return Env{}, fmt.Errorf("can't parse the environment: %v", err)
	}
	return e, nil
}

// Apply writes the settings in e over m.
func (e Env) Apply(m *Meta) error {
	if e.From != "" {
		m.From = e.From
	}
	if len(e.Recipients) > 0 {
		m.Recipients = e.Recipients
	}
	if e.EncryptionPolicy != "" {
		p, err := crypt.ParsePolicy(e.EncryptionPolicy)
		if err != nil {
			return fmt.Errorf("%vENCRYPTION_POLICY: %v", EnvPrefix, err)
		}
		m.Encryption.Policy = p
	}
	if e.Keybox != "" {
		m.Encryption.Keybox = e.Keybox
	}
	if e.MaxAttempts != 0 {
		if m.Retry == (Retry{}) {
			m.Retry = Retry(delivery.DefaultRetryPolicy)
		}
		m.Retry.MaxAttempts = e.MaxAttempts
	}
	if e.MaxMessageSize != "" {
		n, err := units.ParseStrictBytes(e.MaxMessageSize)
		if err != nil {
			return fmt.Errorf("%vMAX_MESSAGE_SIZE: %v", EnvPrefix, err)
		}
		m.MaxMessageSize = Size(n)
	}
	if e.JournalDir != "" {
		if m.Journal == nil {
			m.Journal = &storage.KVConfig{KeyTTLDuration: storage.DefaultKeyTTL}
		}
		m.Journal.StorageDirPath = e.JournalDir
	}
	if e.MetricsFile != "" {
		m.Events.MetricsFile = e.MetricsFile
	}

	for name, pw := range e.Passwords {
		found := false
		for i := range m.Accounts {
			if accountName(m.Accounts[i]) == name {
				m.Accounts[i].Password = pw
				found = true
			}
		}
		if !found {
			return fmt.Errorf("%vPASSWORDS names an unknown account %q", EnvPrefix, name)
		}
	}
	return nil
}

// accountName is the name an account will have once defaults are applied.
func accountName(a Account) string {
	if c, err := a.CheckAndSetDefaults(); err == nil {
		return c.Name
	}
	return a.Name
}
