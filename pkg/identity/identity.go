// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package identity canonicalizes the handle identifiers (phone numbers and
// email addresses) that chat.db uses for participants, so the same contact
// is recognised across formatting variants.
package identity

import (
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`^\+?[\d(][\d\s().-]{6,}$`)

const minPhoneDigits = 7

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// IsPhoneNumber reports whether the identifier looks like a phone number:
// digits with optional formatting such as "(555) 123-4567" or
// "+1 555.123.4567", carrying at least seven digits.
func IsPhoneNumber(identifier string) bool {
	id := strings.TrimSpace(identifier)
	return phonePattern.MatchString(id) && len(DigitsOnly(id)) >= minPhoneDigits
}

// NormalizePhone reduces a phone number to its comparison form: the
// leading US country code is dropped and longer numbers keep their last
// ten digits.
func NormalizePhone(phone string) string {
	digits := DigitsOnly(phone)
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	if len(digits) >= 10 {
		return digits[len(digits)-10:]
	}
	return digits
}

// Canonical returns the identity key for a handle identifier: the
// normalized digits for phone numbers, the lowercase form otherwise.
func Canonical(identifier string) string {
	id := StripURI(strings.TrimSpace(identifier))
	if id == "" {
		return ""
	}
	if IsPhoneNumber(id) {
		return NormalizePhone(id)
	}
	return strings.ToLower(id)
}

// Same reports whether two identifiers name the same handle.
func Same(a, b string) bool {
	left, right := strings.TrimSpace(a), strings.TrimSpace(b)
	if left == "" || right == "" {
		return false
	}
	if strings.EqualFold(left, right) {
		return true
	}
	if IsPhoneNumber(left) && IsPhoneNumber(right) {
		return NormalizePhone(left) == NormalizePhone(right)
	}
	return false
}

// StripURI removes a tel: or mailto: prefix.
func StripURI(identifier string) string {
	if rest, ok := strings.CutPrefix(identifier, "tel:"); ok {
		return rest
	} else if rest, ok = strings.CutPrefix(identifier, "mailto:"); ok {
		return rest
	}
	return identifier
}

// URI canonicalizes an identifier into tel:/mailto: form so it is stable
// across formatting variants (notably numbers with and without a leading
// "+1"). Short codes keep their digits without a country code.
func URI(identifier string) string {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, "mailto:") || (strings.Contains(id, "@") && !strings.HasPrefix(id, "tel:")) {
		return "mailto:" + strings.ToLower(strings.TrimPrefix(id, "mailto:"))
	}
	local := StripURI(id)
	if strings.HasPrefix(id, "tel:") || IsPhoneNumber(local) {
		if e164 := e164Phone(local); e164 != "" {
			return "tel:" + e164
		}
	}
	return id
}

func e164Phone(local string) string {
	digits := DigitsOnly(local)
	switch {
	case digits == "":
		return ""
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) >= 11:
		return "+" + digits
	default:
		return digits
	}
}

// PhoneVariants returns the spellings a US number may be stored under in
// chat.db and the address book.
func PhoneVariants(phone string) []string {
	ten := NormalizePhone(phone)
	if len(ten) != 10 {
		if ten == "" {
			return nil
		}
		return []string{ten}
	}
	return []string{"+1" + ten, "1" + ten, ten}
}

// FormatPhone renders a ten-digit number as +1 (xxx) xxx-xxxx and returns
// anything else unchanged.
func FormatPhone(phone string) string {
	digits := NormalizePhone(phone)
	if len(digits) != 10 {
		return phone
	}
	return "+1 (" + digits[:3] + ") " + digits[3:6] + "-" + digits[6:]
}

var unresolvedPhonePattern = regexp.MustCompile(`^[+\d][\d\s()\-+.]+$`)

// LooksUnresolved reports whether a display name is really a raw phone
// number or email address rather than a contact name.
func LooksUnresolved(name string) bool {
	if unresolvedPhonePattern.MatchString(name) {
		return true
	}
	return strings.Contains(name, "@") && strings.Contains(name, ".")
}
