package userconfig

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/zalando/go-keyring"

	"github.com/ptgott/relaymail/certstore"
	"github.com/ptgott/relaymail/crypt"
	"github.com/ptgott/relaymail/delivery"
	"github.com/ptgott/relaymail/events"
	"github.com/ptgott/relaymail/journal"
	"github.com/ptgott/relaymail/transport"
	"github.com/ptgott/relaymail/transport/ses"
	smtptransport "github.com/ptgott/relaymail/transport/smtp"
)

// Options adjust how Build wires a configuration.
type Options struct {
	// DryRun, if non-nil, replaces every account with one that writes
	// messages to it.
	DryRun io.Writer
	// TLSConfig is the base TLS configuration for SMTP accounts.
	TLSConfig *tls.Config
	// Sinks receive events in addition to the configured ones.
	Sinks []events.Sink
}

// Runtime is a configuration wired into a ready-to-use Coordinator. Close it
// when the deliveries are done.
type Runtime struct {
	Coordinator *delivery.Coordinator
	// Journal is nil unless the configuration enables it.
	Journal  *journal.Journal
	Registry *prometheus.Registry

	metricsFile string
	kafka       *events.KafkaSink
}

// Build turns m into a Runtime.
func Build(ctx context.Context, m *Meta, o Options) (*Runtime, error) {
	rt := &Runtime{
		Registry:    prometheus.NewRegistry(),
		metricsFile: m.Events.MetricsFile,
	}

	accounts, err := buildAccounts(ctx, m.Accounts, o)
	if err != nil {
		return nil, err
	}

	enc, err := buildEncryptor(m.Encryption)
	if err != nil {
		return nil, err
	}

	sinks := events.Multi{events.LogSink{Logger: log.Logger}}
	ms, err := events.NewMetricsSink(rt.Registry)
	if err != nil {
		return nil, fmt.Errorf("can't register metrics: %v", err)
	}
	sinks = append(sinks, ms)
	if k := m.Events.Kafka; k != nil {
		ks, err := events.NewKafkaSink(events.KafkaConfig{
			Brokers:      k.Brokers,
			Topic:        k.Topic,
			WriteTimeout: k.WriteTimeout,
		})
		if err != nil {
			return nil, err
		}
		rt.kafka = ks
		sinks = append(sinks, ks)
	}
	sinks = append(sinks, o.Sinks...)

	retry := m.Retry.Policy()
	rt.Coordinator = &delivery.Coordinator{
		Accounts:         accounts,
		Encryptor:        enc,
		Retry:            &retry,
		Sink:             sinks,
		Shuffle:          m.ShuffleAccounts,
		NotifyOnFailover: m.NotifyOnFailover,
	}

	if m.Journal != nil {
		j, err := journal.Open(m.Journal)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Journal = j
		rt.Coordinator.Recorder = j
	}
	return rt, nil
}

// Close writes the metrics file, if one is configured, and releases the
// journal and the Kafka writer.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.metricsFile != "" {
		if err := prometheus.WriteToTextfile(rt.metricsFile, rt.Registry); err != nil {
			errs = append(errs, fmt.Errorf("can't write metrics to %v: %v", rt.metricsFile, err))
		}
	}
	if rt.kafka != nil {
		if err := rt.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("can't close the Kafka writer: %v", err))
		}
	}
	if rt.Journal != nil {
		if err := rt.Journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildAccounts(ctx context.Context, as []Account, o Options) ([]delivery.Account, error) {
	if o.DryRun != nil {
		log.Info().Msg("dry run: messages are written out instead of sent")
		return []delivery.Account{{Transport: &transport.Writer{W: o.DryRun}}}, nil
	}

	accounts := make([]delivery.Account, 0, len(as))
	for _, a := range as {
		t, err := buildTransport(ctx, a, o)
		if err != nil {
			return nil, fmt.Errorf("account %v: %v", a.Name, err)
		}
		accounts = append(accounts, delivery.Account{Transport: t, From: a.From})
	}
	return accounts, nil
}

func buildTransport(ctx context.Context, a Account, o Options) (transport.Transport, error) {
	switch a.Provider {
	case ProviderSES:
		return ses.New(ctx, ses.Config{
			Name:             a.Name,
			Region:           a.Region,
			AccessKeyID:      a.AccessKeyID,
			SecretAccessKey:  a.SecretAccessKey,
			ConfigurationSet: a.ConfigurationSet,
		})
	default:
		pw, err := password(a)
		if err != nil {
			return nil, err
		}
		var tc *tls.Config
		if o.TLSConfig != nil {
			tc = o.TLSConfig.Clone()
		}
		if a.InsecureSkipVerify {
			if tc == nil {
				tc = &tls.Config{}
			}
			tc.InsecureSkipVerify = true
		}
		return smtptransport.New(smtptransport.Config{
			Name:      a.Name,
			Host:      a.SMTPHost,
			Mode:      smtptransport.Mode(a.SMTPMode),
			Username:  a.User,
			Password:  pw,
			Timeout:   a.Timeout,
			TLSConfig: tc,
		})
	}
}

// password returns the account's password, reading it from the OS keyring
// if the config doesn't include it.
func password(a Account) (string, error) {
	if a.Password != "" || a.PasswordKeyring == "" {
		return a.Password, nil
	}
	pw, err := keyring.Get(a.PasswordKeyring, a.User)
	if err != nil {
		return "", fmt.Errorf("can't read the password for %v from keyring service %q: %v", a.User, a.PasswordKeyring, err)
	}
	return pw, nil
}

func buildEncryptor(e Encryption) (*crypt.Encryptor, error) {
	enc := &crypt.Encryptor{
		Policy:    e.Policy,
		Fallback:  e.Fallback,
		Ambiguity: e.Ambiguous,
	}
	if e.Policy == crypt.PolicyNone || e.Keybox == "" {
		return enc, nil
	}
	kb, err := certstore.LoadKeybox(e.Keybox)
	if err != nil {
		return nil, err
	}
	enc.Resolver = kb
	return enc, nil
}
