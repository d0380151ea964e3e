package e2e

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

// appConfigOptions is used to fill in a config template with details unique to
// a specific test environment. Keep this as small as possible so the input
// remains as close to a "real" YAML document as we can make it. Also using
// YAML/JSON-compatible types only here.
//
// Fields are exported so we can use them in templates.
type appConfigOptions struct {
	PrimaryAddress   string
	PrimaryUser      string
	PrimaryPassword  string
	BackupAddress    string
	Keybox           string
	Policy           string
	Fallback         string
	StorageDir       string
	MetricsFile      string
	NotifyOnFailover bool
}

// createAppConfig writes a configuration YAML doc to the given path.
func createAppConfig(path string, opts appConfigOptions) error {
	configTemplate := `---
from: Relay <relay@example.com>
recipients:
    - alice@example.com
    - bob@example.com
accounts:
    - name: primary
      smtpHost: {{ .PrimaryAddress }}
      smtpMode: starttls
      user: {{ .PrimaryUser }}
      password: {{ .PrimaryPassword }}
      timeout: 10s
    - name: backup
      smtpHost: {{ .BackupAddress }}
      smtpMode: unencrypted
      from: bounces@example.com
encryption:
    policy: {{ .Policy }}
    keybox: {{ .Keybox }}
{{- if .Fallback }}
    fallback: {{ .Fallback }}
{{- end }}
retry:
    maxAttempts: 2
    baseDelay: 10ms
    maxDelay: 50ms
    jitter: 0s
notifyOnFailover: {{ .NotifyOnFailover }}
maxMessageSize: 1MiB
journal:
    storageDir: {{ .StorageDir }}
    keyTTL: "1h"
events:
    metricsFile: {{ .MetricsFile }}
`

	tmpl, err := template.New("conf").Parse(configTemplate)

	// This means the config template string was written incorrectly. Not
	// an issue with the application itself.
	if err != nil {
		return fmt.Errorf("couldn't parse the application config template: %v", err)
	}

	var config bytes.Buffer

	err = tmpl.Execute(&config, opts)

	// This is an issue with the test environment, not the application
	if err != nil {
		return fmt.Errorf("couldn't populate the application config template: %v", err)
	}

	if err := os.WriteFile(path, config.Bytes(), 0o600); err != nil {
		return fmt.Errorf("couldn't write the config file: %v", err)
	}
	return nil
}
