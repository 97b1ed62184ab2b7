// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package identity

import (
	"slices"
	"strings"
	"sync"

	"go.mau.fi/util/exsync"
)

// Contact is a named person with every handle identifier known to belong
// to them.
type Contact struct {
	Name        string   `yaml:"name" json:"name"`
	Identifiers []string `yaml:"identifiers" json:"identifiers"`
}

// Directory maps canonical identifiers to contacts. It is safe for
// concurrent use; the watcher and HTTP handlers share one instance.
type Directory struct {
	byCanonical *exsync.Map[string, *Contact]
	// every contact listing a canonical identifier, in insertion order
	linked  *exsync.Map[string, []*Contact]
	addLock sync.Mutex
}

func NewDirectory(contacts ...Contact) *Directory {
	dir := &Directory{
		byCanonical: exsync.NewMap[string, *Contact](),
		linked:      exsync.NewMap[string, []*Contact](),
	}
	for _, c := range contacts {
		dir.Add(c)
	}
	return dir
}

// Add registers a contact under each of its identifiers. Later contacts
// replace earlier ones that share an identifier.
func (d *Directory) Add(c Contact) {
	if len(c.Identifiers) == 0 {
		return
	}
	entry := &Contact{Name: strings.TrimSpace(c.Name), Identifiers: slices.Clone(c.Identifiers)}
	d.addLock.Lock()
	defer d.addLock.Unlock()
	for _, id := range entry.Identifiers {
		if key := Canonical(id); key != "" {
			d.byCanonical.Set(key, entry)
			prev, _ := d.linked.Get(key)
			d.linked.Set(key, append(slices.Clip(prev), entry))
		}
	}
}

// Lookup returns the contact the identifier belongs to, if any.
func (d *Directory) Lookup(identifier string) (*Contact, bool) {
	if d == nil {
		return nil, false
	}
	key := Canonical(identifier)
	if key == "" {
		return nil, false
	}
	return d.byCanonical.Get(key)
}

// Name returns the contact name for the identifier, or "" if unknown.
func (d *Directory) Name(identifier string) string {
	if c, ok := d.Lookup(identifier); ok {
		return c.Name
	}
	return ""
}

// DisplayName returns the contact name, falling back to a formatted phone
// number or the raw identifier.
func (d *Directory) DisplayName(identifier string) string {
	if name := d.Name(identifier); name != "" {
		return name
	}
	if IsPhoneNumber(identifier) {
		return FormatPhone(identifier)
	}
	return identifier
}

// Related returns the canonical identifiers that refer to the same person
// as the given one, always including the identifier's own canonical form.
// Contacts that share an identifier are joined, so the grouping is
// transitive. The result is sorted and free of duplicates.
func (d *Directory) Related(identifier string) []string {
	own := Canonical(identifier)
	if own == "" {
		return nil
	}
	seen := map[string]struct{}{own: {}}
	pending := []string{own}
	for len(pending) > 0 {
		key := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if d == nil {
			break
		}
		contacts, _ := d.linked.Get(key)
		for _, c := range contacts {
			for _, id := range c.Identifiers {
				next := Canonical(id)
				if _, dup := seen[next]; next == "" || dup {
					continue
				}
				seen[next] = struct{}{}
				pending = append(pending, next)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	slices.Sort(out)
	return out
}

func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return d.byCanonical.Len()
}
