package config

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

// FromFile loads the node config from path, returning defaults if the file
// does not exist.
func FromFile(path string) (*Node, error) {
	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		return Default(), nil
	case err != nil:
		return nil, err
	}
	defer file.Close() //nolint:errcheck
	return FromReader(file)
}

// FromReader decodes a config over the defaults, so absent keys keep their
// default values.
func FromReader(reader io.Reader) (*Node, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(reader).Decode(cfg); err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}
	if cfg.Party.ID == "" {
		return nil, xerrors.Errorf("config: Party.ID must be set")
	}
	if cfg.Negotiate.SendRetries < 1 {
		return nil, xerrors.Errorf("config: Negotiate.SendRetries must be at least 1")
	}
	return cfg, nil
}

// Write encodes the config as TOML at path.
func Write(path string, cfg *Node) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return xerrors.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
