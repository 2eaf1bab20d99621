package imessage

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Lease is a file-based active-instance marker. Claims are last-writer-wins
// and unconditional; every poller re-checks IsActive on each tick and stops
// once another instance has claimed after it. This is local, single-host
// arbitration only: no expiry, no versioning, no mutual exclusion.
type Lease struct {
	path string
}

// NewLease creates a lease backed by the file at path.
func NewLease(path string) *Lease {
	return &Lease{path: path}
}

// NewOwnerToken returns a fresh opaque owner token.
func NewOwnerToken() string {
	return uuid.NewString()
}

// Path returns the backing file path.
func (l *Lease) Path() string { return l.path }

// Claim makes owner the active instance, overwriting any previous claim.
func (l *Lease) Claim(owner string) error {
	if err := writeFileAtomic(l.path, []byte(owner+"\n")); err != nil {
		return fmt.Errorf("claim lease: %w", err)
	}
	return nil
}

// Owner returns the token of the current holder.
func (l *Lease) Owner() (string, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// IsActive reports whether owner still holds the lease. When the lease
// cannot be read every instance counts as active (no exclusivity).
func (l *Lease) IsActive(owner string) bool {
	current, err := l.Owner()
	if err != nil || current == "" {
		return true
	}
	return current == owner
}
