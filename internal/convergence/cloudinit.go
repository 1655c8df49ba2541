package convergence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

const (
	fodderCloudConfig = "cloud-config"

	userDataFile = "user-data"
	metaDataFile = "meta-data"
)

var fodderContentTypes = map[string]string{
	fodderCloudConfig: "text/cloud-config",
	"shell-script":    "text/x-shellscript",
	"cloud-boothook":  "text/cloud-boothook",
	"include-url":     "text/x-include-url",
	"part-handler":    "text/part-handler",
	"jinja2":          "text/jinja2",
}

// renderNoCloud renders the NoCloud user-data and meta-data files.
func renderNoCloud(catletID, hostname string, fodder []models.Fodder) (map[string]string, error) {
	userData, err := renderUserData(fodder)
	if err != nil {
		return nil, err
	}
	metaData, err := yaml.Marshal(map[string]string{
		"instance-id":    catletID,
		"local-hostname": hostname,
	})
	if err != nil {
		return nil, fmt.Errorf("render meta-data: %w", err)
	}
	return map[string]string{
		userDataFile: userData,
		metaDataFile: string(metaData),
	}, nil
}

func renderUserData(fodder []models.Fodder) (string, error) {
	if len(fodder) == 1 && fodderType(fodder[0]) == fodderCloudConfig {
		doc, err := normalizeCloudConfig(fodder[0])
		if err != nil {
			return "", err
		}
		return "#cloud-config\n" + doc, nil
	}

	parts := make([]string, len(fodder))
	for i, f := range fodder {
		content := f.Content
		if fodderType(f) == fodderCloudConfig {
			doc, err := normalizeCloudConfig(f)
			if err != nil {
				return "", err
			}
			content = "#cloud-config\n" + doc
		}
		parts[i] = content
	}

	// The boundary is derived from the content so that the rendered
	// document, and with it the media name, is stable across runs.
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	boundary := "catlet-" + hex.EncodeToString(sum[:12])

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.SetBoundary(boundary); err != nil {
		return "", fmt.Errorf("render user-data: %w", err)
	}
	for i, f := range fodder {
		contentType, ok := fodderContentTypes[fodderType(f)]
		if !ok {
			return "", fmt.Errorf("fodder %q has unsupported type %q", f.Name, f.Type)
		}
		fileName := f.FileName
		if fileName == "" {
			fileName = f.Name
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", contentType+`; charset="utf-8"`)
		header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
		part, err := w.CreatePart(header)
		if err != nil {
			return "", fmt.Errorf("render fodder %q: %w", f.Name, err)
		}
		if _, err := part.Write([]byte(parts[i])); err != nil {
			return "", fmt.Errorf("render fodder %q: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("render user-data: %w", err)
	}

	var doc strings.Builder
	fmt.Fprintf(&doc, "Content-Type: multipart/mixed; boundary=%q\r\n", boundary)
	doc.WriteString("MIME-Version: 1.0\r\n\r\n")
	doc.Write(body.Bytes())
	return doc.String(), nil
}

// normalizeCloudConfig validates a cloud-config fodder and re-renders it with
// sorted keys.
func normalizeCloudConfig(f models.Fodder) (string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(f.Content), &doc); err != nil {
		return "", fmt.Errorf("fodder %q is not valid cloud-config: %w", f.Name, err)
	}
	if len(doc) == 0 {
		return "{}\n", nil
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("fodder %q: %w", f.Name, err)
	}
	return string(out), nil
}

func fodderType(f models.Fodder) string {
	t := strings.ToLower(strings.TrimSpace(f.Type))
	if t == "" {
		return fodderCloudConfig
	}
	return t
}

// mediaHash identifies the content of the provisioning media.
func mediaHash(files map[string]string) string {
	h := sha256.New()
	for _, name := range []string{userDataFile, metaDataFile} {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(files[name]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
