package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"riskscreen/ml"
)

// WriteArtifacts writes the model, explainer and metadata into
// <root>/<subject>/ and returns that directory. Each file is written to a
// temporary name and renamed, so a watching registry never reads a partial
// file. Metadata goes last: its arrival marks the set complete.
func WriteArtifacts(root string, res *Result) (string, error) {
	dir := filepath.Join(root, res.Metadata.Subject)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	var buf bytes.Buffer
	if err := ml.EncodeModel(&buf, res.Model); err != nil {
		return "", err
	}
	if err := writeAtomic(dir, ml.ModelFile, buf.Bytes()); err != nil {
		return "", err
	}

	if res.Explainer != nil {
		buf.Reset()
		if err := ml.EncodeExplainer(&buf, res.Explainer); err != nil {
			return "", err
		}
		if err := writeAtomic(dir, ml.ExplainerFile, buf.Bytes()); err != nil {
			return "", err
		}
	}

	metadata, err := json.MarshalIndent(res.Metadata, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	if err := writeAtomic(dir, ml.MetadataFile, metadata); err != nil {
		return "", err
	}
	return dir, nil
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}
