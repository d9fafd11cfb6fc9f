// Package scan validates uploaded and fetched content before it may be
// stored outside quarantine: MIME sniffing, extension and executable
// signature checks, optional antivirus, and EXIF stripping.
package scan

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// allowedMIMEs are the content types the ingest pipeline accepts.
var allowedMIMEs = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/gif":       true,
	"application/pdf": true,
	"text/plain":      true,
	"text/html":       true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
}

// blockedExtensions are never accepted regardless of content.
var blockedExtensions = map[string]bool{
	".exe": true, ".dll": true, ".scr": true, ".vbs": true, ".js": true,
	".jar": true, ".bat": true, ".cmd": true, ".com": true, ".pif": true,
	".application": true, ".gadget": true, ".msi": true, ".msp": true,
	".hta": true, ".cpl": true, ".msc": true, ".reg": true, ".app": true,
	".sh": true,
}

// executableSignatures are magic prefixes of executable formats.
var executableSignatures = []struct {
	prefix []byte
	name   string
}{
	{[]byte{'M', 'Z'}, "PE executable"},
	{[]byte{0x7f, 'E', 'L', 'F'}, "ELF executable"},
	{[]byte{0xfe, 0xed, 0xfa, 0xce}, "Mach-O executable"},
	{[]byte{0xfe, 0xed, 0xfa, 0xcf}, "Mach-O executable"},
	{[]byte{0xcf, 0xfa, 0xed, 0xfe}, "Mach-O executable"},
	{[]byte{0xce, 0xfa, 0xed, 0xfe}, "Mach-O executable"},
	{[]byte{0xca, 0xfe, 0xba, 0xbe}, "Mach-O fat binary or Java class"},
	{[]byte("#!"), "script with interpreter line"},
	{[]byte{0xef, 0xbe, 0xad, 0xde}, "compiled script"},
}

// Result describes a completed scan. Content carries the (possibly
// EXIF-stripped) bytes to store.
type Result struct {
	Safe         bool
	Threats      []string
	DeclaredMIME string
	ActualMIME   string
	EXIFRemoved  bool
	SHA256       string
	Content      []byte
}

// Scanner checks content against the threat rules.
type Scanner struct {
	logger *slog.Logger
	// clamav enables the external clamscan pass; required in production.
	clamav bool
}

// NewScanner creates a scanner. production controls whether a missing
// clamscan binary is an error or merely skipped.
func NewScanner(logger *slog.Logger, production bool) (*Scanner, error) {
	_, err := exec.LookPath("clamscan")
	available := err == nil
	if production && !available {
		return nil, fmt.Errorf("clamscan is required in production environments")
	}
	logger.Info("security scanner initialized", "clamav", available)
	return &Scanner{logger: logger, clamav: available}, nil
}

// Scan runs the full check suite over content. declaredMIME and filename
// may be empty. A non-empty Threats list means the bytes must go to
// quarantine and never be promoted.
func (s *Scanner) Scan(content []byte, declaredMIME, filename string) Result {
	res := Result{
		DeclaredMIME: declaredMIME,
		SHA256:       sha256hex(content),
		Content:      content,
	}

	if filename != "" {
		ext := strings.ToLower(filepath.Ext(filename))
		if blockedExtensions[ext] {
			res.Threats = append(res.Threats, fmt.Sprintf("blocked file extension: %s", ext))
		}
	}

	for _, sig := range executableSignatures {
		if bytes.HasPrefix(content, sig.prefix) {
			res.Threats = append(res.Threats, fmt.Sprintf("executable signature: %s", sig.name))
			break
		}
	}

	res.ActualMIME = mimetype.Detect(content).String()
	// mimetype returns "type/subtype; charset=..." for text; compare the
	// bare media type.
	if idx := strings.IndexByte(res.ActualMIME, ';'); idx > 0 {
		res.ActualMIME = strings.TrimSpace(res.ActualMIME[:idx])
	}

	if declaredMIME != "" && !mimeMatches(declaredMIME, res.ActualMIME) {
		res.Threats = append(res.Threats, fmt.Sprintf("MIME mismatch: declared=%s actual=%s", declaredMIME, res.ActualMIME))
	}
	if !allowedMIMEs[res.ActualMIME] {
		res.Threats = append(res.Threats, fmt.Sprintf("disallowed MIME type: %s", res.ActualMIME))
	}

	if s.clamav {
		res.Threats = append(res.Threats, s.scanClamAV(content)...)
	}

	if strings.HasPrefix(res.ActualMIME, "image/") && len(res.Threats) == 0 {
		stripped, removed := StripEXIF(content, res.ActualMIME)
		if removed {
			res.Content = stripped
			res.EXIFRemoved = true
		}
	}

	res.Safe = len(res.Threats) == 0
	return res
}

// QuarantineThreatKey is the storage key for unsafe bytes.
func QuarantineThreatKey(sha string) string {
	return "quarantine/threats/" + sha
}

// mimeMatches reports whether a declared MIME is an acceptable description
// of the sniffed one.
func mimeMatches(declared, actual string) bool {
	if strings.EqualFold(declared, actual) {
		return true
	}
	synonyms := map[string]string{
		"image/jpg": "image/jpeg",
	}
	if s, ok := synonyms[strings.ToLower(declared)]; ok && s == actual {
		return true
	}
	// A generic binary declaration can describe anything; plain text and
	// HTML sniff interchangeably.
	if declared == "application/octet-stream" {
		return true
	}
	if (declared == "text/plain" && actual == "text/html") || (declared == "text/html" && actual == "text/plain") {
		return true
	}
	return false
}

// scanClamAV shells out to clamscan over a temp file and parses FOUND lines.
func (s *Scanner) scanClamAV(content []byte) []string {
	tmp, err := os.CreateTemp("", "brandowl-scan-*")
	if err != nil {
		s.logger.Error("creating temp file for AV scan", "error", err)
		return nil
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		s.logger.Error("writing temp file for AV scan", "error", err)
		_ = tmp.Close()
		return nil
	}
	_ = tmp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// clamscan exits 1 when a threat is found; the output still parses.
	out, err := exec.CommandContext(ctx, "clamscan", "--no-summary", tmp.Name()).CombinedOutput()
	if err != nil && len(out) == 0 {
		s.logger.Error("clamscan failed", "error", err)
		return nil
	}

	var threats []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "FOUND") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "FOUND"))
				threats = append(threats, "malware detected: "+name)
			}
		}
	}
	return threats
}

func sha256hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
