// Package certs provisions the locally trusted TLS pair used by the
// dockerized deployment. The certificate directory's presence alone decides
// whether mkcert runs; expiry and validity are not checked.
package certs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"moosedev/internal/environ"
	"moosedev/internal/logging"
	"moosedev/internal/tactile"

	"github.com/charmbracelet/glamour"
)

// noticeTemplate is shown before every provisioning attempt.
const noticeTemplate = `## Local TLS with mkcert

This project uses **mkcert** to establish local trust for the dockerized deployment.

Before running it, make sure that:

1. The bottom of your ` + "`/etc/hosts`" + ` file contains:

   ` + "```" + `
   # Added for 'mkcert'
   127.0.0.1       %s
   ` + "```" + `

2. You have run ` + "`mkcert -install`" + ` to trust your local CA.

See https://github.com/FiloSottile/mkcert for more information.
`

// Provisioner creates the certificate pair on first use.
type Provisioner struct {
	// Root is the project root; Dir is resolved against it.
	Root string
	Dir  string

	Hostname string
	Tool     string
	KeyFile  string
	CertFile string

	// Env is the environment handed to the tool. The zero value inherits.
	Env environ.Env

	// Out receives the notice and progress lines. Nil discards.
	Out io.Writer

	// Markdown renders the notice through glamour instead of raw text.
	Markdown bool

	// DryRun reports the directory instead of creating it.
	DryRun bool
}

// Status reports what exists on disk.
type Status struct {
	Dir         string `json:"dir"`
	DirExists   bool   `json:"dir_exists"`
	KeyPresent  bool   `json:"key_present"`
	CertPresent bool   `json:"cert_present"`
}

// Complete reports whether both files are present.
func (s Status) Complete() bool {
	return s.KeyPresent && s.CertPresent
}

func (p *Provisioner) out() io.Writer {
	if p.Out == nil {
		return io.Discard
	}
	return p.Out
}

// Path returns the absolute certificate directory.
func (p *Provisioner) Path() string {
	if filepath.IsAbs(p.Dir) {
		return p.Dir
	}
	return filepath.Join(p.Root, p.Dir)
}

func (p *Provisioner) tool() string {
	if p.Tool == "" {
		return "mkcert"
	}
	return p.Tool
}

// Command returns the generator invocation for the configured pair.
func (p *Provisioner) Command() tactile.Command {
	dir := p.Path()
	cmd := tactile.NewCommand(
		p.tool(),
		"-key-file", filepath.Join(dir, p.KeyFile),
		"-cert-file", filepath.Join(dir, p.CertFile),
		p.Hostname,
	)
	cmd.WorkingDirectory = p.Root
	if p.Env.Len() > 0 {
		cmd.Environment = p.Env.Slice()
	}
	cmd.Tags = map[string]string{"component": "certs"}
	return cmd
}

// Notice returns the mkcert setup notice, rendered when Markdown is set.
func (p *Provisioner) Notice() string {
	raw := fmt.Sprintf(noticeTemplate, p.Hostname)
	if !p.Markdown {
		return raw
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return raw
	}
	rendered, err := renderer.Render(raw)
	if err != nil {
		return raw
	}
	return rendered
}

// Ensure prints the notice and runs the generator when the certificate
// directory is missing. It reports whether certificates were created.
// A second call never runs the generator. In dry-run mode the directory is
// reported, not created, so a later real run still provisions.
func (p *Provisioner) Ensure(ctx context.Context, exec tactile.Executor) (bool, error) {
	fmt.Fprintln(p.out(), p.Notice())

	dir := p.Path()
	if info, err := os.Stat(dir); err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("certificate path %s is not a directory", dir)
		}
		fmt.Fprintf(p.out(), "Certificates at '%s' already exist. Skipping cert creation.\n", p.Dir)
		logging.Certs("Certificate directory %s present, skipping", dir)
		p.reportIncomplete(p.Status())
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat certificate directory: %w", err)
	}

	dryRun := p.DryRun || exec.Capabilities().DryRun
	if dryRun {
		fmt.Fprintf(p.out(), "+ mkdir -p %s\n", p.Dir)
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("create certificate directory: %w", err)
	}
	fmt.Fprintf(p.out(), "Creating certificates at '%s'\n", p.Dir)

	cmd := p.Command()
	cmd.Streams = &tactile.Streams{Stdout: p.out(), Stderr: p.out()}
	logging.Certs("Running %s", cmd.CommandString())

	result, err := exec.Execute(ctx, cmd)
	if err == nil && !result.Succeeded() {
		err = failure(cmd, result)
	}
	if err != nil {
		// The directory did not exist before this call. Anything left in it
		// would make the next run skip generation.
		if !dryRun {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				logging.Certs("Could not remove %s after failure: %v", dir, rmErr)
			}
		}
		return false, err
	}
	if dryRun {
		return false, nil
	}

	logging.Certs("Certificates created in %s", dir)
	return true, nil
}

// reportIncomplete warns when the directory exists without both files.
func (p *Provisioner) reportIncomplete(st Status) {
	if st.Complete() {
		return
	}
	var missing []string
	if !st.KeyPresent {
		missing = append(missing, p.KeyFile)
	}
	if !st.CertPresent {
		missing = append(missing, p.CertFile)
	}
	logging.CertsWarn("Certificate directory %s is missing %v", st.Dir, missing)
	fmt.Fprintf(p.out(), "WARNING: '%s' is missing %s. Remove the directory to regenerate the pair.\n",
		p.Dir, strings.Join(missing, " and "))
}

func failure(cmd tactile.Command, result *tactile.ExecutionResult) error {
	switch {
	case result.Error != "":
		return fmt.Errorf("%s: %s", cmd.Binary, result.Error)
	case result.Killed:
		return fmt.Errorf("%s: %s", cmd.Binary, result.KillReason)
	default:
		msg := strings.TrimSpace(result.Stderr)
		if msg == "" {
			return fmt.Errorf("%s exited with code %d", cmd.Binary, result.ExitCode)
		}
		return fmt.Errorf("%s exited with code %d: %s", cmd.Binary, result.ExitCode, msg)
	}
}

// Status inspects the certificate directory without changing it.
func (p *Provisioner) Status() Status {
	dir := p.Path()
	st := Status{Dir: dir}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		st.DirExists = true
	}
	st.KeyPresent = isFile(filepath.Join(dir, p.KeyFile))
	st.CertPresent = isFile(filepath.Join(dir, p.CertFile))
	return st
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
