package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Credentials identify this client to the message server.
type Credentials struct {
	Token    string `yaml:"token"`
	DeviceID string `yaml:"device_id"`
}

// Complete reports whether both token and device ID are present.
func (c Credentials) Complete() bool {
	return c.Token != "" && c.DeviceID != ""
}

// LoadCredentials reads credentials from a YAML file, expanding ${VAR}
// references. A missing device ID is generated; generated reports whether that
// happened so the caller can persist it with SaveDeviceID.
func LoadCredentials(path string) (creds Credentials, generated bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("read credentials: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &creds); err != nil {
		return Credentials{}, false, fmt.Errorf("parse credentials: %w", err)
	}

	if creds.DeviceID == "" {
		creds.DeviceID = NewDeviceID()
		generated = true
	}
	return creds, generated, nil
}

// SaveDeviceID records deviceID in the credentials file at path. Only the
// device_id key is touched; the token and any ${VAR} references are written
// back exactly as they were.
func SaveDeviceID(path, deviceID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse credentials: %w", err)
	}
	if doc.Kind == 0 {
		// Empty file.
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("credentials %s: top level is not a mapping", path)
	}
	setScalar(doc.Content[0], "device_id", deviceID)

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	return writeFileAtomic(path, out)
}

// setScalar sets key to a string value in mapping m, appending it if absent.
func setScalar(m *yaml.Node, key, value string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			*m.Content[i+1] = yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}

// writeFileAtomic replaces path via a temp file and rename, mode 0600.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// NewDeviceID returns a random device identifier.
func NewDeviceID() string {
	return uuid.NewString()
}
