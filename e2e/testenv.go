package e2e

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/ptgott/relaymail/certstore/certstoretest"
	"github.com/ptgott/relaymail/smtptest"
)

const (
	primaryUser     = "relay"
	primaryPassword = "correct-horse"
)

// testEnvironment manages all dependencies required to simulate a "real"
// environment: a primary SMTP server that requires STARTTLS and
// authentication, a backup server that accepts anything, and a keybox with
// a certificate for alice@example.com only. Callers should create this via
// startTestEnvironment. Everything is torn down when the test ends.
type testEnvironment struct {
	primary *smtptest.Server
	backup  *smtptest.Server
	// alice holds the private key, so tests can decrypt what she's sent.
	alice       *openpgp.Entity
	keyboxPath  string
	tempDirPath string
}

func startTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	te := &testEnvironment{tempDirPath: t.TempDir()}

	te.primary = smtptest.NewServer(t, smtptest.Options{
		TLS:      true,
		Username: primaryUser,
		Password: primaryPassword,
	})
	te.backup = smtptest.NewServer(t, smtptest.Options{})

	te.alice = certstoretest.NewEntity(t, "Alice", "alice@example.com", certstoretest.Options{})
	te.keyboxPath = filepath.Join(te.tempDirPath, "keybox.asc")
	if err := os.WriteFile(te.keyboxPath, certstoretest.Armor(t, te.alice), 0o600); err != nil {
		t.Fatalf("can't write the keybox: %v", err)
	}
	return te
}

// configOptions fills in the parts of the config that vary between tests.
func (te *testEnvironment) configOptions(password string) appConfigOptions {
	return appConfigOptions{
		PrimaryAddress:  te.primary.Addr(),
		PrimaryUser:     primaryUser,
		PrimaryPassword: password,
		BackupAddress:   te.backup.Addr(),
		Keybox:          te.keyboxPath,
		Policy:          "opportunistic",
		StorageDir:      filepath.Join(te.tempDirPath, "journal"),
		MetricsFile:     filepath.Join(te.tempDirPath, "relaymail.prom"),
	}
}
