package mail

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Practical address pattern, not RFC 5322. Catches the typos that matter
// without rejecting real-world addresses.
var addrPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Domains people habitually mistype. A match is treated as invalid rather
// than auto-corrected, so we never silently send to the wrong address.
var domainTypos = map[string]string{
	"gamil.com":   "gmail.com",
	"gmal.com":    "gmail.com",
	"gmial.com":   "gmail.com",
	"gmail.con":   "gmail.com",
	"gmail.co":    "gmail.com",
	"outlok.com":  "outlook.com",
	"outloo.com":  "outlook.com",
	"outlook.con": "outlook.com",
	"hotmal.com":  "hotmail.com",
	"hotmail.con": "hotmail.com",
	"yaho.com":    "yahoo.com",
	"yahoo.con":   "yahoo.com",
}

// ValidationError describes rejected input together with an optional
// actionable suggestion.
type ValidationError struct {
	Reason     string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Suggestion == "" {
		return e.Reason
	}
	return e.Reason + " (" + e.Suggestion + ")"
}

// ValidateAddress checks a recipient address and returns a *ValidationError
// describing the problem when it does not look deliverable.
func ValidateAddress(addr string) error {
	addr = strings.ToLower(strings.TrimSpace(addr))

	if addr == "" {
		return &ValidationError{Reason: "email address is empty"}
	}
	if !strings.Contains(addr, "@") {
		return &ValidationError{
			Reason:     fmt.Sprintf("%q is missing the @ symbol", addr),
			Suggestion: "expected something like name@domain.com",
		}
	}
	if strings.Contains(addr, " ") {
		return &ValidationError{
			Reason:     "email addresses cannot contain spaces",
			Suggestion: "maybe you meant " + strings.ReplaceAll(addr, " ", ""),
		}
	}
	if strings.Count(addr, "@") > 1 {
		return &ValidationError{
			Reason:     fmt.Sprintf("%q has more than one @ symbol", addr),
			Suggestion: "an address has exactly one @",
		}
	}
	if !addrPattern.MatchString(addr) {
		return &ValidationError{
			Reason:     fmt.Sprintf("%q does not look like a valid address", addr),
			Suggestion: "expected format: name@domain.com",
		}
	}

	domain := addr[strings.IndexByte(addr, '@')+1:]
	if fixed, ok := domainTypos[domain]; ok {
		return &ValidationError{
			Reason:     fmt.Sprintf("possible typo in domain %q", domain),
			Suggestion: "did you mean " + strings.TrimSuffix(addr, domain) + fixed + "?",
		}
	}

	return nil
}

// Extensions most providers reject outright.
var blockedExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".msi": {}, ".js": {},
	".vbs": {}, ".scr": {}, ".pif": {}, ".com": {}, ".jar": {},
}

// MaxAttachmentSize is the common provider attachment ceiling.
const MaxAttachmentSize = 25 << 20 // 25 MB

// ValidateAttachment checks that a file exists, is not empty, stays under the
// size ceiling, and does not carry a provider-blocked extension.
func ValidateAttachment(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return &ValidationError{Reason: "attachment not found: " + path}
	}
	if fi.IsDir() {
		return &ValidationError{Reason: path + " is a directory, not a file"}
	}

	ext := strings.ToLower(filepath.Ext(path))
	if _, blocked := blockedExtensions[ext]; blocked {
		return &ValidationError{
			Reason:     fmt.Sprintf("%s files are blocked by most email providers", ext),
			Suggestion: "compress it into a .zip instead",
		}
	}

	if fi.Size() > MaxAttachmentSize {
		return &ValidationError{
			Reason:     fmt.Sprintf("attachment is too large (%.1f MB, maximum is 25 MB)", float64(fi.Size())/(1<<20)),
			Suggestion: "compress the file or share a download link",
		}
	}
	if fi.Size() == 0 {
		return &ValidationError{Reason: "attachment is empty (0 bytes): " + path}
	}

	return nil
}
