// Package routing contains the domain routing table of the proxy.  The table
// maps exact hostnames and single-label wildcards to domain records that tell
// where requests should go and which TLS credential should be presented.
package routing

import (
	"crypto/tls"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// wildcardPrefix is the prefix of wildcard domain keys.
const wildcardPrefix = "*."

// Table is the routing table.  It is safe for concurrent use by a single
// writer and any number of readers.  Readers always get a complete record or
// nil, records are swapped as a whole on every update.
type Table struct {
	mu      *sync.RWMutex
	records map[string]*Record
}

// NewTable creates a new empty *Table.
func NewTable() (t *Table) {
	return &Table{
		mu:      &sync.RWMutex{},
		records: map[string]*Record{},
	}
}

// Upsert creates the record for key if it doesn't exist yet and merges f into
// it.  It returns the new record.
func (t *Table) Upsert(key string, f Fields) (r *Record) {
	key = normalize(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	r = t.records[key].merge(f)
	t.records[key] = r

	return r
}

// Remove deletes the record for key.  ok is false if there was no record.
func (t *Table) Remove(key string) (ok bool) {
	key = normalize(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok = t.records[key]
	delete(t.records, key)

	return ok
}

// Lookup returns the record that serves hostname or nil if there is none.
// The exact name is checked first, then the wildcards from the most specific
// one to the broadest.  Wildcards over a single label are never checked, so a
// two-label name can only match exactly.
func (t *Table) Lookup(hostname string) (r *Record) {
	hostname = normalize(hostname)
	if hostname == "" {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if r = t.records[hostname]; r != nil {
		return r
	}

	labels := strings.Split(hostname, ".")
	for i := 1; i < len(labels)-1; i++ {
		if r = t.records[wildcardPrefix+strings.Join(labels[i:], ".")]; r != nil {
			return r
		}
	}

	return nil
}

// CredentialFor returns the TLS credential for hostname or nil.
func (t *Table) CredentialFor(hostname string) (c *tls.Certificate) {
	if r := t.Lookup(hostname); r != nil {
		return r.Credential
	}

	return nil
}

// TargetFor returns the backend URL for hostname or nil.
func (t *Table) TargetFor(hostname string) (u *url.URL) {
	if r := t.Lookup(hostname); r != nil && r.Route.Mode == RouteTarget {
		return r.Route.Target
	}

	return nil
}

// RedirectFor returns the redirect location for hostname or an empty string.
func (t *Table) RedirectFor(hostname string) (loc string) {
	if r := t.Lookup(hostname); r != nil && r.Route.Mode == RouteRedirect {
		return r.Route.Redirect
	}

	return ""
}

// Len returns the number of records in the table.
func (t *Table) Len() (n int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.records)
}

// Keys returns the sorted list of the table's domain keys.
func (t *Table) Keys() (keys []string) {
	t.mu.RLock()
	keys = make([]string, 0, len(t.records))
	for k := range t.records {
		keys = append(keys, k)
	}
	t.mu.RUnlock()

	sort.Strings(keys)

	return keys
}

// normalize lowercases the name and removes the trailing dot of an FQDN.
func normalize(name string) (n string) {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
