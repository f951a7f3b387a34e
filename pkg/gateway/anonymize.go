package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
)

// PII patterns, compiled once. IPs and file hashes are deliberately absent:
// they are investigation material, not personal data, and rewriting them
// would corrupt IOC matching downstream.
var (
	piiEmail    = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	piiUserHost = regexp.MustCompile(`\b([a-z][a-z0-9._]{1,31})-([A-Z][A-Z0-9_\-]{2,})\b`)
	piiHomePath = regexp.MustCompile(`(?i)(/home/|/users/)([a-z0-9._\-]+)(/|\b)`)
	piiWinPath  = regexp.MustCompile(`(?i)(c:\\users\\)([a-z0-9._ \-]+)(\\|\b)`)
	piiUserKV   = regexp.MustCompile(`(?i)\b(user|username|account|owner)([=:]\s*)([A-Za-z0-9._\-]+)`)
	piiHostKV   = regexp.MustCompile(`(?i)\b(host|hostname|computer)([=:]\s*)([A-Za-z0-9._\-]+)`)
	piiHandle   = regexp.MustCompile(`(^|\s)@([A-Za-z0-9_.]{2,32})\b`)

	placeholderPattern = regexp.MustCompile(`\b(?:USER|HOST)_\d+\b`)
	placeholderExact   = regexp.MustCompile(`^(?:USER|HOST)_\d+$`)
)

// Anonymizer rewrites PII to stable USER_N and HOST_N placeholders and back.
// The same raw value always maps to the same placeholder for the lifetime of
// the map, so a user recurring across enrichment rounds keeps one identity
// in front of the model. Safe for concurrent use.
type Anonymizer struct {
	mu      sync.Mutex
	forward map[string]string
	reverse map[string]string
	userSeq int
	hostSeq int
}

// NewAnonymizer returns an empty map. One instance lives per investigation;
// the encrypted snapshot travels with it in the store.
func NewAnonymizer() *Anonymizer {
	return &Anonymizer{
		forward: map[string]string{},
		reverse: map[string]string{},
	}
}

// placeholder returns the stable placeholder for value, allocating the next
// USER_N or HOST_N on first sight. Values that already are placeholders pass
// through so anonymizing twice is a no-op. Caller holds the lock.
func (a *Anonymizer) placeholder(kind, value string) string {
	if placeholderExact.MatchString(value) {
		return value
	}
	if p, ok := a.forward[value]; ok {
		return p
	}
	var p string
	if kind == "HOST" {
		a.hostSeq++
		p = fmt.Sprintf("HOST_%d", a.hostSeq)
	} else {
		a.userSeq++
		p = fmt.Sprintf("USER_%d", a.userSeq)
	}
	a.forward[value] = p
	a.reverse[p] = value
	return p
}

// Anonymize rewrites every PII occurrence in text, returning the rewritten
// text and the number of replacements made. Emails go first so the handle
// pattern never bites the tail of an address.
func (a *Anonymizer) Anonymize(text string) (string, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	replaced := 0

	text = piiEmail.ReplaceAllStringFunc(text, func(m string) string {
		replaced++
		return a.placeholder("USER", m)
	})

	text = piiUserHost.ReplaceAllStringFunc(text, func(m string) string {
		parts := piiUserHost.FindStringSubmatch(m)
		replaced++
		return a.placeholder("USER", parts[1]) + "-" + a.placeholder("HOST", parts[2])
	})

	rewritePath := func(re *regexp.Regexp) {
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			parts := re.FindStringSubmatch(m)
			replaced++
			return parts[1] + a.placeholder("USER", parts[2]) + parts[3]
		})
	}
	rewritePath(piiHomePath)
	rewritePath(piiWinPath)

	text = piiUserKV.ReplaceAllStringFunc(text, func(m string) string {
		parts := piiUserKV.FindStringSubmatch(m)
		replaced++
		return parts[1] + parts[2] + a.placeholder("USER", parts[3])
	})

	text = piiHostKV.ReplaceAllStringFunc(text, func(m string) string {
		parts := piiHostKV.FindStringSubmatch(m)
		replaced++
		return parts[1] + parts[2] + a.placeholder("HOST", parts[3])
	})

	text = piiHandle.ReplaceAllStringFunc(text, func(m string) string {
		parts := piiHandle.FindStringSubmatch(m)
		replaced++
		return parts[1] + a.placeholder("USER", "@"+parts[2])
	})

	return text, replaced
}

// Deanonymize restores original values in model output. Placeholders the map
// has never issued stay as-is; the model inventing USER_99 is not an error,
// it is just text.
func (a *Anonymizer) Deanonymize(text string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return placeholderPattern.ReplaceAllStringFunc(text, func(p string) string {
		if orig, ok := a.reverse[p]; ok {
			return orig
		}
		return p
	})
}

// Len reports how many distinct values the map holds.
func (a *Anonymizer) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.forward)
}

// RedactionMap is the serializable state of an Anonymizer. The reverse side
// is rebuilt on restore.
type RedactionMap struct {
	Forward map[string]string `json:"forward"`
	UserSeq int               `json:"user_seq"`
	HostSeq int               `json:"host_seq"`
}

// Snapshot copies the current state for persistence.
func (a *Anonymizer) Snapshot() RedactionMap {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := RedactionMap{
		Forward: make(map[string]string, len(a.forward)),
		UserSeq: a.userSeq,
		HostSeq: a.hostSeq,
	}
	for k, v := range a.forward {
		m.Forward[k] = v
	}
	return m
}

// Restore replaces the anonymizer's state with a snapshot.
func (a *Anonymizer) Restore(m RedactionMap) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forward = make(map[string]string, len(m.Forward))
	a.reverse = make(map[string]string, len(m.Forward))
	for k, v := range m.Forward {
		a.forward[k] = v
		a.reverse[v] = k
	}
	a.userSeq = m.UserSeq
	a.hostSeq = m.HostSeq
}

// EncryptMap seals a redaction map with AES-GCM under key (16, 24 or 32
// bytes). The nonce is prepended to the ciphertext. Only the audit evidence
// path ever persists raw PII mappings, and only in this form.
func EncryptMap(m RedactionMap, key []byte) ([]byte, error) {
	plain, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode redaction map: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("redaction key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("redaction cipher: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("redaction nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// DecryptMap opens a sealed redaction map. A wrong key fails authentication
// and returns an error rather than garbage.
func DecryptMap(sealed, key []byte) (RedactionMap, error) {
	var m RedactionMap
	block, err := aes.NewCipher(key)
	if err != nil {
		return m, fmt.Errorf("redaction key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return m, fmt.Errorf("redaction cipher: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return m, fmt.Errorf("sealed redaction map too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return m, fmt.Errorf("open redaction map: %w", err)
	}
	if err := json.Unmarshal(plain, &m); err != nil {
		return m, fmt.Errorf("decode redaction map: %w", err)
	}
	if m.Forward == nil {
		m.Forward = map[string]string{}
	}
	return m, nil
}

// ContainsPlaceholders reports whether text still carries placeholders,
// used by callers that must not leak them outward.
func ContainsPlaceholders(text string) bool {
	return strings.Contains(text, "USER_") || strings.Contains(text, "HOST_")
}
