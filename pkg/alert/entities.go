package alert

import (
	"regexp"
	"sort"
	"strings"
)

// EntityType names a class of extracted entity. The set mirrors the IOC
// types the enrichers understand.
type EntityType string

const (
	EntityTypeIP     EntityType = "ip"
	EntityTypeDomain EntityType = "domain"
	EntityTypeHash   EntityType = "hash"
	EntityTypeEmail  EntityType = "email"
	EntityTypeHost   EntityType = "host"
	EntityTypeUser   EntityType = "user"
)

// Entities groups extracted entity values by type. Values are deduplicated
// and sorted for deterministic downstream matching.
type Entities map[EntityType][]string

// All returns every value across all types, sorted.
func (e Entities) All() []string {
	var out []string
	for _, vs := range e {
		out = append(out, vs...)
	}
	sort.Strings(out)
	return out
}

var (
	ipPattern     = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
	hashPattern   = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b|\b[a-fA-F0-9]{40}\b|\b[a-fA-F0-9]{64}\b`)
	emailPattern  = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	domainPattern = regexp.MustCompile(`\b(?:[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?\.)+(?:com|net|org|io|ru|cn|info|biz|xyz|top|cc|onion)\b`)
	hostPattern   = regexp.MustCompile(`\b(?:host|hostname|computer)[=:]\s*([A-Za-z0-9\-_.]+)`)
	userPattern   = regexp.MustCompile(`\b(?:user|username|account)[=:]\s*([A-Za-z0-9\-_.@\\]+)`)
)

// ExtractEntities pulls typed entities out of opaque alert text with a closed
// regex set. The output feeds IOC lookups and FP entity matching; it is a
// best-effort extraction, not a parser.
func ExtractEntities(raw string) Entities {
	out := Entities{}

	add := func(t EntityType, vals []string) {
		if len(vals) == 0 {
			return
		}
		seen := make(map[string]bool, len(vals))
		var uniq []string
		for _, v := range vals {
			v = strings.TrimSpace(v)
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			uniq = append(uniq, v)
		}
		sort.Strings(uniq)
		out[t] = uniq
	}

	add(EntityTypeIP, ipPattern.FindAllString(raw, -1))
	add(EntityTypeHash, hashPattern.FindAllString(raw, -1))
	add(EntityTypeEmail, emailPattern.FindAllString(raw, -1))
	add(EntityTypeDomain, domainPattern.FindAllString(strings.ToLower(raw), -1))

	var hosts []string
	for _, m := range hostPattern.FindAllStringSubmatch(raw, -1) {
		hosts = append(hosts, m[1])
	}
	add(EntityTypeHost, hosts)

	var users []string
	for _, m := range userPattern.FindAllStringSubmatch(raw, -1) {
		users = append(users, m[1])
	}
	add(EntityTypeUser, users)

	return out
}
