// Package hostsfile is a thin, best-effort collaborator that maps a domain
// to the loopback address in the local hosts file, grounded on the
// original source's DualDNSResolver (dns.rs). Hosts-file manipulation is an
// out-of-scope external collaborator per the spec's Non-goals list; this
// package exists only to give the orchestrator an interface to call
// through, with a real but non-fatal POSIX implementation.
package hostsfile

import (
	"fmt"
	"os"
	"strings"
)

const defaultPath = "/etc/hosts"
const marker = "# beam-tunnel-daemon"

// Resolver adds and removes a loopback mapping for a domain.
type Resolver struct {
	path string
}

// New builds a Resolver targeting the system hosts file.
func New() *Resolver {
	return &Resolver{path: defaultPath}
}

// NewWithPath builds a Resolver targeting an arbitrary path, primarily for
// tests that must not touch the real system hosts file.
func NewWithPath(path string) *Resolver {
	return &Resolver{path: path}
}

// AddLocalOverride appends a "127.0.0.1 <domain>" line if one is not
// already present. Errors are non-fatal by design: the caller should log
// and continue, since the daemon is fully usable without this override.
func (r *Resolver) AddLocalOverride(domain string) error {
	existing, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("hostsfile: read: %w", err)
	}

	entry := fmt.Sprintf("127.0.0.1 %s %s", domain, marker)
	lines := strings.Split(string(existing), "\n")
	for _, line := range lines {
		if strings.Contains(line, domain) && strings.Contains(line, marker) {
			return nil
		}
	}

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("hostsfile: open for append: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("\n" + entry + "\n"); err != nil {
		return fmt.Errorf("hostsfile: write: %w", err)
	}
	return nil
}

// RemoveLocalOverride filters out lines this process previously added.
func (r *Resolver) RemoveLocalOverride(domain string) error {
	existing, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("hostsfile: read: %w", err)
	}

	lines := strings.Split(string(existing), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.Contains(line, domain) && strings.Contains(line, marker) {
			continue
		}
		kept = append(kept, line)
	}

	return os.WriteFile(r.path, []byte(strings.Join(kept, "\n")), 0o644)
}
