package localnet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownAddress is returned when an onion address has no registered
// endpoint.
var ErrUnknownAddress = errors.New("unknown onion address")

// directory maps onion addresses to loopback endpoints. One file per
// address: the first line is the endpoint, the rest is the service's PEM
// certificate that dialers must trust.
type directory struct {
	dir string
}

func openDirectory(dir string) (*directory, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create address directory: %w", err)
	}
	return &directory{dir: dir}, nil
}

func (d *directory) path(address string) string {
	return filepath.Join(d.dir, address)
}

// register publishes address -> endpoint atomically, replacing any previous
// registration.
func (d *directory) register(address, endpoint string, certPEM []byte) error {
	path := d.path(address)
	tempPath := path + ".tmp"

	data := append([]byte(endpoint+"\n"), certPEM...)
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write address entry: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to publish address entry: %w", err)
	}
	return nil
}

// resolve returns the endpoint and certificate registered for address.
func (d *directory) resolve(address string) (endpoint string, certPEM []byte, err error) {
	data, err := os.ReadFile(d.path(address))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownAddress, address)
		}
		return "", nil, fmt.Errorf("failed to read address entry: %w", err)
	}

	line, rest, found := strings.Cut(string(data), "\n")
	if !found || line == "" {
		return "", nil, fmt.Errorf("malformed address entry for %s", address)
	}
	return line, []byte(rest), nil
}

// unregister removes the entry for address. Missing entries are not an
// error; a crashed service may never have cleaned up.
func (d *directory) unregister(address string) error {
	if err := os.Remove(d.path(address)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove address entry: %w", err)
	}
	return nil
}
