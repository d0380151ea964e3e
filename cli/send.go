package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ptgott/relaymail/crypt"
	"github.com/ptgott/relaymail/delivery"
	"github.com/ptgott/relaymail/email"
	"github.com/ptgott/relaymail/filter"
	"github.com/ptgott/relaymail/userconfig"
)

type sendFlags struct {
	subject     string
	contentType string
	from        string
	to          []string
	attachments []string
	encrypt     string
	dryRun      bool
	jsonOutput  bool
}

func newSendCommand(rt *runtimeState) *cobra.Command {
	f := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "relaymail [message]",
		Short: "Send a message through the configured accounts",
		Long: `Send one message. The body is the argument if there is one and standard
input otherwise. It's piped through the configured filters, encrypted for the
recipients whose keys are known and delivered through the first account that
accepts it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, rt, f, args)
		},
	}

	cmd.Flags().StringVarP(&f.subject, "subject", "s", "", "message subject")
	cmd.Flags().StringVar(&f.contentType, "content-type", email.DefaultContentType, "content type of the body")
	cmd.Flags().StringVar(&f.from, "from", "", "sender, defaults to the configured one")
	cmd.Flags().StringArrayVarP(&f.to, "to", "t", nil, "recipient, may be repeated; defaults to the configured ones")
	cmd.Flags().StringArrayVarP(&f.attachments, "attach", "a", nil, "file to attach, may be repeated")
	cmd.Flags().StringVar(&f.encrypt, "encrypt", "", "encryption policy: none, opportunistic or required")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "print the message instead of sending it")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "print the result as JSON")
	return cmd
}

func runSend(cmd *cobra.Command, rt *runtimeState, f *sendFlags, args []string) error {
	ctx := cmd.Context()

	m, err := rt.load()
	if err != nil {
		return err
	}
	if f.encrypt != "" {
		p, err := crypt.ParsePolicy(f.encrypt)
		if err != nil {
			return usageError(err)
		}
		m.Encryption.Policy = p
	}

	var body []byte
	if len(args) == 1 {
		body = []byte(args[0])
	} else {
		body, err = io.ReadAll(rt.in)
		if err != nil {
			return &ExitError{Code: ExitOther, Err: fmt.Errorf("can't read the message from standard input: %v", err)}
		}
	}
	body, err = filter.Run(ctx, m.Filters, body)
	if err != nil {
		return &ExitError{Code: delivery.KindOf(err).ExitCode(), Err: err}
	}

	attachments, err := readAttachments(f.attachments)
	if err != nil {
		return usageError(err)
	}

	draft := email.Draft{
		From:        m.From,
		To:          m.Recipients,
		Subject:     f.subject,
		ContentType: f.contentType,
		Body:        body,
		Attachments: attachments,
		MaxSize:     int64(m.MaxMessageSize),
	}
	if f.from != "" {
		draft.From = f.from
	}
	if len(f.to) > 0 {
		draft.To = f.to
	}

	opts := userconfig.Options{}
	if f.dryRun {
		opts.DryRun = rt.out
	}
	r, err := userconfig.Build(ctx, m, opts)
	if err != nil {
		return usageError(err)
	}

	res := r.Coordinator.Deliver(ctx, draft)
	if err := r.Close(); err != nil {
		log.Warn().Err(err).Msg("problem shutting down")
	}

	if err := printResult(rt.out, res, f.jsonOutput); err != nil {
		return &ExitError{Code: ExitOther, Err: err}
	}
	if res.Err != nil {
		return &ExitError{Code: res.Kind().ExitCode(), Err: res.Err}
	}
	return nil
}

func readAttachments(paths []string) ([]email.Attachment, error) {
	as := make([]email.Attachment, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("can't read attachment: %v", err)
		}
		log.Debug().
			Str("path", p).
			Str("size", units.HumanSize(float64(len(b)))).
			Msg("attaching file")
		as = append(as, email.Attachment{
			Filename: filepath.Base(p),
			Data:     b,
		})
	}
	return as, nil
}

func printResult(w io.Writer, res delivery.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%v\n", res.String())
	for _, r := range res.Recipients {
		var status string
		switch {
		case r.Skipped:
			status = "skipped"
		case r.Delivered:
			status = "delivered via " + r.Account
		default:
			status = "not delivered"
		}
		if r.Encrypted {
			status += " (encrypted)"
		}
		fmt.Fprintf(&b, "  %v: %v\n", r.Address, status)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(&b, "  warning: %v\n", warn)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
